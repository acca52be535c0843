package connect

import (
	"fmt"
	"net/url"
	"strings"
)

// ExtractNextURI returns the percent-decoded next_uri query parameter of
// rawURL. A next_uri that is itself still escaped is decoded once more.
func ExtractNextURI(rawURL string) (string, error) {
	v, err := queryParam(rawURL, "next_uri")
	if err != nil {
		return "", err
	}

	if strings.Contains(v, "%") && !strings.Contains(v, "://") {
		if unescaped, err := url.QueryUnescape(v); err == nil {
			v = unescaped
		}
	}

	return v, nil
}

// ExtractConnectorSessionKey returns the connector_session_key query
// parameter of rawURL.
func ExtractConnectorSessionKey(rawURL string) (string, error) {
	return queryParam(rawURL, "connector_session_key")
}

// ExtractAuthorizationCode parses the sign-in redirect. It fails with a
// KindAuthorizationCodeNotFound AuthError when code is absent.
func ExtractAuthorizationCode(rawURL string) (SignInRedirect, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SignInRedirect{}, authErr(KindAuthorizationCodeNotFound, fmt.Errorf("parsing redirect URL: %w", err))
	}

	q := u.Query()

	code := q.Get("code")
	if code == "" {
		return SignInRedirect{}, authErr(KindAuthorizationCodeNotFound, nil)
	}

	return SignInRedirect{
		Code:         code,
		State:        q.Get("state"),
		LoginSuccess: strings.EqualFold(q.Get("login_success"), "y"),
	}, nil
}

func queryParam(rawURL, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}

	v := u.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("query parameter %s not found", name)
	}

	return v, nil
}
