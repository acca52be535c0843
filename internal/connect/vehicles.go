package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/tidwall/gjson"
)

// apiHeaders returns the headers every authenticated API call carries.
func (c *Client) apiHeaders(auth models.AuthorizationData) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+auth.AccessToken)
	h.Set("ccsp-service-id", c.region.ClientID)
	h.Set("ccsp-application-id", c.region.AppID)
	h.Set("ccsp-device-id", auth.DeviceID.String())
	h.Set("Stamp", auth.Stamp)
	h.Set("Accept", "application/json")
	h.Set("User-Agent", "okhttp/3.12.12")

	return h
}

// ListVehicles returns the vehicles registered to the account.
func (c *Client) ListVehicles(ctx context.Context, auth models.AuthorizationData) ([]Vehicle, error) {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.region.APIBase + "/api/v1/spa/vehicles",
		Header: c.apiHeaders(auth),
	})
	if err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}

	var list vehicleListResponse
	if err := decodeJSON("/api/v1/spa/vehicles", resp, &list); err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}

	return list.ResMsg.Vehicles, nil
}

// VehicleStatus returns the vehicle status payload. With refresh set the
// backend wakes the car for a fresh reading; otherwise the cached status
// is returned. ccs2 selects the newer status protocol.
func (c *Client) VehicleStatus(ctx context.Context, auth models.AuthorizationData, vehicleID string, refresh bool) (json.RawMessage, error) {
	base := c.region.APIBase + "/api/v1/spa/vehicles/" + url.PathEscape(vehicleID)

	var endpoint string

	switch {
	case auth.IsCcuCCS2Supported:
		endpoint = "/ccs2/carstatus/latest"
	case refresh:
		endpoint = "/status"
	default:
		endpoint = "/status/latest"
	}

	header := c.apiHeaders(auth)
	if refresh && auth.IsCcuCCS2Supported {
		header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodGet,
		URL:    base + endpoint,
		Header: header,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching vehicle status: %w", err)
	}

	if err := checkStatus(endpoint, resp); err != nil {
		return nil, fmt.Errorf("fetching vehicle status: %w", err)
	}

	msg := gjson.GetBytes(resp.Body, "resMsg")
	if !msg.Exists() {
		return nil, fmt.Errorf("fetching vehicle status: %w: missing resMsg", apperrors.ErrAPIResponse)
	}

	return json.RawMessage(msg.Raw), nil
}

// Logout invalidates the session on the backend.
func (c *Client) Logout(ctx context.Context, auth models.AuthorizationData) error {
	resp, err := c.caller.Call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.region.APIBase + "/api/v1/user/logout",
		Header: c.apiHeaders(auth),
	})
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	if err := checkStatus("/api/v1/user/logout", resp); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}
