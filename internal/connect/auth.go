package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// oauthState is the fixed state value the connect backend expects.
	oauthState = "ccsp"

	// csrfCookieName is the identity provider cookie carrying the CSRF token.
	csrfCookieName = "account"

	defaultScope = "openid profile email phone"
)

// Client talks to one brand/region of the connect API.
type Client struct {
	caller Caller
	region Region
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates an API client for region. If caller is nil, an
// HTTPCaller with the default timeout is used.
func NewClient(caller Caller, region Region, logger *slog.Logger) *Client {
	if caller == nil {
		caller = NewHTTPCaller(DefaultTimeout, nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		caller: caller,
		region: region,
		logger: logger,
		now:    time.Now,
	}
}

// Region returns the endpoint set the client was built for.
func (c *Client) Region() Region {
	return c.region
}

// signInForm carries everything the sign-in POST needs.
type signInForm struct {
	referer    string
	username   string
	password   string
	encrypted  bool
	keyID      string
	clientID   string
	redirect   string
	scope      string
	sessionKey string
	csrf       string
}

// Login runs the full browser-emulating login handshake and returns a new
// session. deviceID identifies this installation; uuid.Nil generates a
// new one. Session artifacts live only for the duration of the call.
func (c *Client) Login(ctx context.Context, creds models.LoginCredentials, deviceID uuid.UUID) (models.AuthorizationData, error) {
	c.caller.CleanCookies()

	c.logger.Debug("login: discovering connector")

	nextURI, err := c.discoverConnector(ctx)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := ctx.Err(); err != nil {
		return models.AuthorizationData{}, err
	}

	c.logger.Debug("login: fetching client configuration")

	cfg, err := c.fetchClientConfiguration(ctx, nextURI)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := ctx.Err(); err != nil {
		return models.AuthorizationData{}, err
	}

	c.logger.Debug("login: initializing session")

	pageURL, csrf, sessionKey, err := c.initializeSession(ctx, nextURI)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := ctx.Err(); err != nil {
		return models.AuthorizationData{}, err
	}

	c.logger.Debug("login: fetching encryption settings")

	settings, err := c.fetchEncryptionSettings(ctx, pageURL)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	form := signInForm{
		referer:    pageURL,
		username:   creds.Username,
		password:   creds.Password,
		clientID:   cfg.ClientID,
		redirect:   c.connectorRedirect(cfg),
		scope:      cfg.Scope,
		sessionKey: sessionKey,
		csrf:       csrf,
	}

	if settings.UseEncryption {
		if err := ctx.Err(); err != nil {
			return models.AuthorizationData{}, err
		}

		c.logger.Debug("login: fetching certificate", slog.String("algorithm", settings.Algorithm))

		key, err := c.fetchCertificate(ctx, pageURL)
		if err != nil {
			return models.AuthorizationData{}, err
		}

		encrypted, err := EncryptPassword(creds.Password, key)
		if err != nil {
			return models.AuthorizationData{}, err
		}

		form.password = encrypted
		form.encrypted = true
		form.keyID = key.KeyID
	}

	if err := ctx.Err(); err != nil {
		return models.AuthorizationData{}, err
	}

	c.logger.Debug("login: signing in")

	redirect, err := c.signIn(ctx, form)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := ctx.Err(); err != nil {
		return models.AuthorizationData{}, err
	}

	c.logger.Debug("login: exchanging authorization code",
		slog.String("state", redirect.State),
		slog.Bool("login_success", redirect.LoginSuccess),
	)

	token, err := c.exchangeToken(ctx, redirect.Code)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	return c.assemble(token, deviceID)
}

// discoverConnector asks the API for the connector authorize redirect and
// returns the identity provider URI carried in its next_uri parameter.
func (c *Client) discoverConnector(ctx context.Context) (string, error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.region.APIBase + "/api/v1/user/oauth2/connector/common/authorize",
		Query: url.Values{
			"client_id":     {c.region.ClientID},
			"redirect_uri":  {c.region.RedirectURI()},
			"response_type": {"code"},
			"state":         {oauthState},
		},
		Header:     browserHeaders(c.region.UserAgent, "", fetchNavigate),
		NoRedirect: true,
	})
	if err != nil {
		return "", authErr(KindClientConfigurationFailed, err)
	}

	location := resp.Location()
	if location == "" {
		return "", authErr(KindClientConfigurationFailed,
			fmt.Errorf("connector authorize returned status %d without a redirect location", resp.StatusCode))
	}

	nextURI, err := ExtractNextURI(location)
	if err != nil {
		return "", authErr(KindClientConfigurationFailed, err)
	}

	return nextURI, nil
}

// fetchClientConfiguration loads the client description from the
// identity provider, using nextURI as the page that issued the request.
func (c *Client) fetchClientConfiguration(ctx context.Context, nextURI string) (ClientConfiguration, error) {
	clientID := c.region.ClientID
	if id, err := queryParam(nextURI, "client_id"); err == nil {
		clientID = id
	}

	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.region.IDPBase + "/api/v1/clients/" + url.PathEscape(clientID),
		Header: browserHeaders(c.region.UserAgent, nextURI, fetchXHR),
	})
	if err != nil {
		return ClientConfiguration{}, authErr(KindClientConfigurationFailed, err)
	}

	var cfg ClientConfiguration
	if err := decodeJSON("/api/v1/clients", resp, &cfg); err != nil {
		return ClientConfiguration{}, authErr(KindClientConfigurationFailed, err)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = clientID
	}

	if cfg.Scope == "" {
		cfg.Scope = defaultScope
	}

	return cfg, nil
}

// initializeSession opens the authorize page so the identity provider
// issues its session cookies, then pulls the CSRF token out of the jar and
// the connector session key out of nextURI. It returns the final page URL,
// which later steps send as their Referer.
func (c *Client) initializeSession(ctx context.Context, nextURI string) (pageURL, csrf, sessionKey string, err error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    nextURI,
		Header: browserHeaders(c.region.UserAgent, "", fetchNavigate),
	})
	if err != nil {
		return "", "", "", authErr(KindOAuth2InitializationFailed, err)
	}

	if err := checkStatus("/auth/api/v2/user/oauth2/authorize", resp); err != nil {
		return "", "", "", authErr(KindOAuth2InitializationFailed, err)
	}

	pageURL = nextURI
	if resp.URL != nil {
		pageURL = resp.URL.String()
	}

	csrf, ok := c.caller.Cookie(pageURL, csrfCookieName)
	if !ok {
		csrf, ok = c.caller.Cookie(c.region.IDPBase+"/", csrfCookieName)
	}

	if !ok || csrf == "" {
		return "", "", "", authErr(KindCSRFTokenNotFound, nil)
	}

	sessionKey, err = ExtractConnectorSessionKey(nextURI)
	if err != nil {
		return "", "", "", authErr(KindSessionKeyNotFound, err)
	}

	return pageURL, csrf, sessionKey, nil
}

// fetchEncryptionSettings reads whether the sign-in form wants an RSA
// encrypted password. The payload is either wrapped in retValue or bare,
// and the flag is a bool or a Y/N string depending on backend version.
func (c *Client) fetchEncryptionSettings(ctx context.Context, referer string) (EncryptionSettings, error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.region.IDPBase + "/auth/api/v1/accounts/encryption/settings",
		Header: browserHeaders(c.region.UserAgent, referer, fetchXHR),
	})
	if err != nil {
		return EncryptionSettings{}, authErr(KindEncryptionSettingsFailed, err)
	}

	if err := checkStatus("/auth/api/v1/accounts/encryption/settings", resp); err != nil {
		return EncryptionSettings{}, authErr(KindEncryptionSettingsFailed, err)
	}

	if !gjson.ValidBytes(resp.Body) {
		return EncryptionSettings{}, authErr(KindEncryptionSettingsFailed, fmt.Errorf("invalid JSON in encryption settings"))
	}

	root := gjson.GetBytes(resp.Body, "retValue")
	if !root.Exists() {
		root = gjson.ParseBytes(resp.Body)
	}

	flag := root.Get("useEnc")
	if !flag.Exists() {
		return EncryptionSettings{}, authErr(KindEncryptionSettingsFailed, fmt.Errorf("encryption settings missing useEnc"))
	}

	settings := EncryptionSettings{
		UseEncryption: truthy(flag),
		Algorithm:     root.Get("encAlgorithm").String(),
	}

	if settings.UseEncryption && settings.Algorithm == "" {
		settings.Algorithm = "RSA"
	}

	if settings.UseEncryption && !strings.EqualFold(settings.Algorithm, "RSA") {
		return EncryptionSettings{}, authErr(KindEncryptionSettingsFailed,
			fmt.Errorf("unsupported password encryption algorithm %q", settings.Algorithm))
	}

	return settings, nil
}

// fetchCertificate loads the RSA public key used for password encryption.
func (c *Client) fetchCertificate(ctx context.Context, referer string) (models.RSAKeyData, error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.region.IDPBase + "/auth/api/v1/accounts/certs",
		Header: browserHeaders(c.region.UserAgent, referer, fetchXHR),
	})
	if err != nil {
		return models.RSAKeyData{}, authErr(KindCertificateRetrievalFailed, err)
	}

	if err := checkStatus("/auth/api/v1/accounts/certs", resp); err != nil {
		return models.RSAKeyData{}, authErr(KindCertificateRetrievalFailed, err)
	}

	body := resp.Body
	if wrapped := gjson.GetBytes(body, "retValue"); wrapped.IsObject() {
		body = []byte(wrapped.Raw)
	}

	var key models.RSAKeyData
	if err := json.Unmarshal(body, &key); err != nil {
		return models.RSAKeyData{}, authErr(KindCertificateRetrievalFailed, fmt.Errorf("decoding certificate: %w", err))
	}

	if key.Modulus == "" || key.Exponent == "" {
		return models.RSAKeyData{}, authErr(KindCertificateRetrievalFailed, fmt.Errorf("certificate missing modulus or exponent"))
	}

	return key, nil
}

// signIn posts the login form and parses the redirect it answers with.
// Redirects are not followed: the Location header carries the code.
func (c *Client) signIn(ctx context.Context, f signInForm) (SignInRedirect, error) {
	header := browserHeaders(c.region.UserAgent, f.referer, fetchNavigate)
	header.Set("Origin", c.region.IDPBase)

	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.region.IDPBase + "/auth/account/signin",
		Form: url.Values{
			"client_id":             {f.clientID},
			"encryptedPassword":     {strconv.FormatBool(f.encrypted)},
			"orgHmgSid":             {""},
			"password":              {f.password},
			"kid":                   {f.keyID},
			"redirect_uri":          {f.redirect},
			"scope":                 {f.scope},
			"nonce":                 {""},
			"state":                 {oauthState},
			"username":              {f.username},
			"remember_me":           {"false"},
			"connector_session_key": {f.sessionKey},
			"_csrf":                 {f.csrf},
		},
		Header:     header,
		NoRedirect: true,
	})
	if err != nil {
		return SignInRedirect{}, authErr(KindSignInFailed, err)
	}

	location := resp.Location()
	if location == "" {
		if err := checkStatus("/auth/account/signin", resp); err != nil {
			// Only 400 and 401 point at the credentials. 403 is bot detection.
			if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
				err = fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
			}

			return SignInRedirect{}, authErr(KindSignInFailed, err)
		}

		return SignInRedirect{}, authErr(KindSignInFailed,
			fmt.Errorf("sign-in returned status %d without a redirect", resp.StatusCode))
	}

	return ExtractAuthorizationCode(location)
}

// exchangeToken trades the authorization code for tokens.
func (c *Client) exchangeToken(ctx context.Context, code string) (TokenResponse, error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.region.APIBase + "/api/v1/user/oauth2/token",
		Form: url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {c.region.RedirectURI()},
			"client_id":     {c.region.ClientID},
			"client_secret": {c.region.ClientSecret},
		},
		Header: browserHeaders(c.region.UserAgent, "", fetchXHR),
	})
	if err != nil {
		return TokenResponse{}, authErr(KindTokenExchangeFailed, err)
	}

	var token TokenResponse
	if err := decodeJSON("/api/v1/user/oauth2/token", resp, &token); err != nil {
		return TokenResponse{}, authErr(KindTokenExchangeFailed, err)
	}

	if token.AccessToken == "" {
		return TokenResponse{}, authErr(KindTokenExchangeFailed, fmt.Errorf("token response missing access_token"))
	}

	return token, nil
}

// assemble builds the session from the token response.
func (c *Client) assemble(token TokenResponse, deviceID uuid.UUID) (models.AuthorizationData, error) {
	if deviceID == uuid.Nil {
		deviceID = uuid.New()
	}

	stamp, err := makeStamp(c.region.AppID, c.region.StampKey, c.now())
	if err != nil {
		return models.AuthorizationData{}, fmt.Errorf("building stamp: %w", err)
	}

	var ccs2 bool

	for _, conn := range token.Connector {
		if conn.ConnectorID == c.region.ConnectorID {
			ccs2 = truthy(gjson.ParseBytes(conn.CCS2Support))
			break
		}
	}

	return models.AuthorizationData{
		Stamp:              stamp,
		DeviceID:           deviceID,
		AccessToken:        token.AccessToken,
		ExpiresIn:          token.ExpiresIn,
		RefreshToken:       token.RefreshToken,
		IsCcuCCS2Supported: ccs2,
	}, nil
}

// connectorRedirect returns the redirect URI registered for the region's
// connector, falling back to the API redirect.
func (c *Client) connectorRedirect(cfg ClientConfiguration) string {
	if conn, ok := cfg.Connectors[c.region.ConnectorID]; ok && conn.RedirectURI != "" {
		return conn.RedirectURI
	}

	return c.region.RedirectURI()
}

// truthy interprets bool, 0/1 and Y/N style flags.
func truthy(r gjson.Result) bool {
	if r.Type == gjson.String {
		switch strings.ToLower(r.Str) {
		case "y", "yes", "true", "1":
			return true
		}

		return false
	}

	return r.Bool()
}
