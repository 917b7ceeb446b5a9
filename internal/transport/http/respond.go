package httptransport

import (
	"encoding/json"
	"net/http"

	"passage/internal/classify"
	"passage/pkg/apperrors"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// uiContextKeys are the context entries the client acts on. Everything else
// in Context is diagnostic (raw provider payloads, internal detail) and stays
// in the logs.
var uiContextKeys = []string{"should_switch_to_login", "retryable", "operation"}

func uiContext(ctx map[string]any) map[string]any {
	var out map[string]any
	for _, key := range uiContextKeys {
		value, ok := ctx[key]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(uiContextKeys))
		}
		out[key] = value
	}
	return out
}

// writeError renders a classified error. Non-operational errors hide their
// message behind a generic one; the details stay in the logs.
func writeError(w http.ResponseWriter, appErr *apperrors.Error) {
	message := appErr.Message
	if !appErr.Operational {
		message = "something went wrong, please try again"
	}
	writeJSON(w, appErr.StatusCode, errorEnvelope{Error: errorBody{
		Code:    string(appErr.Code),
		Message: message,
		Context: uiContext(appErr.Context),
	}})
}

// classifyForTransport normalizes errors raised inside the transport layer
// itself, where no lower layer has classified them yet.
func classifyForTransport(err error) *apperrors.Error {
	return classify.Classify(err)
}
