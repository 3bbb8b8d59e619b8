// Package handlers provides HTTP handlers for the conversion API.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/curahealth/careflow/internal/conversion"
)

// errorBody is the wire shape of every error response. The error field
// carries the stable code; message is human-readable and free to change.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := conversion.CodeFor(err)
	writeJSON(w, conversion.HTTPStatus(code), errorBody{
		Error:   code,
		Message: err.Error(),
	})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:   conversion.CodeValidation,
		Message: message,
	})
}
