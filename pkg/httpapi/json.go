package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"batch-pipeline/pkg/batch"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Fields  []batch.FieldError `json:"fields,omitempty"`
	BatchID string             `json:"batch_id,omitempty"`
}

// DecodeJSON decodes the request body into dst. It returns false after
// writing a 400 response if the body is not valid JSON.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "body_too_large", Message: err.Error()})
			return false
		}
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Client disconnects can't be recovered from here.
	_, _ = buf.WriteTo(w)
}

// WriteError maps err to a status code and writes it as an ErrorResponse.
func WriteError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	WriteJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	if errors.Is(err, batch.ErrClosed) {
		return http.StatusServiceUnavailable, ErrorResponse{Error: "shutting_down", Message: err.Error()}
	}

	var be *batch.Error
	if !errors.As(err, &be) {
		return http.StatusInternalServerError, ErrorResponse{Error: string(batch.CodeInternal), Message: "internal server error"}
	}

	body := ErrorResponse{Error: string(be.Code), Message: be.Error(), Fields: be.Fields}
	switch be.Code {
	case batch.CodeValidation:
		body.Message = be.Message
		return http.StatusBadRequest, body
	case batch.CodeNotFound:
		return http.StatusNotFound, body
	case batch.CodeNotTerminal:
		return http.StatusConflict, body
	case batch.CodeInfrastructure:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}
