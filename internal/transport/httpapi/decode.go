package httpapi

import (
	"encoding/json"
	"net/http"
)

// decodeJSON decodes the request body into v. An empty body is not an
// error: callers that only have optional fields (e.g. a session's window
// id) should tolerate a bare POST with no body.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
