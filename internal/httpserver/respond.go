package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
)

// writeJSON writes payload with the given status. HTML escaping is off so
// feature descriptions round-trip unchanged.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// decodeJSON decodes a request body, rejecting unknown fields. An empty body
// leaves dest untouched.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && err != io.EOF {
		return err
	}
	return nil
}
