package httpapi

import "net/http"

// The API only returns JSON, playlists and segments, so nothing it serves
// needs to load subresources or be framed.
const (
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	apiFrameOptions          = "DENY"
	apiReferrerPolicy        = "no-referrer"
	apiContentTypeOptions    = "nosniff"
)

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", apiContentSecurityPolicy)
		header.Set("X-Frame-Options", apiFrameOptions)
		header.Set("X-Content-Type-Options", apiContentTypeOptions)
		header.Set("Referrer-Policy", apiReferrerPolicy)
		next.ServeHTTP(w, r)
	})
}
