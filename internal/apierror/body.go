package apierror

import (
	"encoding/json"
	"net/http"
)

// Body is the OpenAI-shaped error envelope.
type Body struct {
	Error BodyError `json:"error"`
}

type BodyError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// ToBody renders err without leaking wrapped causes for unknown errors.
func ToBody(err error) Body {
	if apiErr, ok := As(err); ok {
		return Body{Error: BodyError{
			Message: apiErr.Message,
			Type:    typeFor(apiErr),
			Code:    apiErr.Code,
			Hint:    apiErr.Hint,
		}}
	}

	return Body{Error: BodyError{
		Message: "internal server error",
		Type:    "server_error",
	}}
}

func typeFor(e *Error) string {
	switch e.HTTPStatus() {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	default:
		return "server_error"
	}
}

// WriteJSON writes err as an OpenAI error response.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(ToBody(err))
}
