package connect

import "net/http"

// fetchKind selects the Sec-Fetch-* header set a browser would send.
type fetchKind int

const (
	// fetchXHR is a same-origin script request (JSON endpoints).
	fetchXHR fetchKind = iota
	// fetchNavigate is a top-level document navigation.
	fetchNavigate
)

// browserHeaders returns the header set for one login step. The identity
// provider's bot detection rejects requests whose fetch metadata does not
// match the kind of request.
func browserHeaders(userAgent, referer string, kind fetchKind) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept-Language", "en-GB,en;q=0.9")

	if referer != "" {
		h.Set("Referer", referer)
	}

	switch kind {
	case fetchNavigate:
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		h.Set("Sec-Fetch-Site", "none")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Dest", "document")
	default:
		h.Set("Accept", "application/json, text/plain, */*")
		h.Set("Sec-Fetch-Site", "same-origin")
		h.Set("Sec-Fetch-Mode", "cors")
		h.Set("Sec-Fetch-Dest", "empty")
	}

	return h
}
