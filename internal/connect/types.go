package connect

import "encoding/json"

// ClientConfiguration is the identity provider's description of the app
// client, returned by GET /api/v1/clients/{clientID}.
type ClientConfiguration struct {
	ClientID     string                     `json:"clientId"`
	ClientName   string                     `json:"clientName"`
	Scope        string                     `json:"scope"`
	Connectors   map[string]ConnectorConfig `json:"connectors"`
	RedirectURIs []string                   `json:"redirectUris"`
}

// ConnectorConfig describes one federated connector of the client.
type ConnectorConfig struct {
	ConnectorClientID string `json:"connectorClientId"`
	ConnectorScope    string `json:"connectorScope"`
	RedirectURI       string `json:"redirectUri"`
}

// EncryptionSettings says whether the sign-in form expects an encrypted
// password and with which algorithm.
type EncryptionSettings struct {
	UseEncryption bool
	Algorithm     string
}

// SignInRedirect is the result of parsing the sign-in redirect URL.
type SignInRedirect struct {
	Code         string
	State        string
	LoginSuccess bool
}

// TokenResponse is returned from POST /api/v1/user/oauth2/token.
type TokenResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	TokenType    string           `json:"token_type"`
	ExpiresIn    int              `json:"expires_in"`
	Connector    []TokenConnector `json:"connector"`
}

// TokenConnector is the per-connector metadata attached to a token.
// CCS2Support is kept raw since the backend sends either a bool or 0/1.
type TokenConnector struct {
	ConnectorID string          `json:"connectorId"`
	CCS2Support json.RawMessage `json:"ccuCCS2ProtocolSupport"`
}

// Vehicle is one entry of the account's vehicle list.
type Vehicle struct {
	VehicleID   string `json:"vehicleId"`
	VIN         string `json:"vin"`
	Nickname    string `json:"nickname"`
	VehicleName string `json:"vehicleName"`
	Type        string `json:"type"`
	Year        string `json:"year"`
	CCS2        int    `json:"ccuCCS2ProtocolSupport"`
}

// vehicleListResponse is returned from GET /api/v1/spa/vehicles.
type vehicleListResponse struct {
	ResMsg struct {
		Vehicles []Vehicle `json:"vehicles"`
	} `json:"resMsg"`
}
