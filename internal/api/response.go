package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

func jsonResponse(w http.ResponseWriter, code int, v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		// Recovery middleware turns this into a 500.
		panic(fmt.Errorf("failed to marshal json response: %w", err))
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(encoded)
}

type errorResponse struct {
	Message string `json:"message"`
}

func jsonError(w http.ResponseWriter, code int, message string) {
	jsonResponse(w, code, &errorResponse{Message: message})
}
