package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// writeError sends err as a domain.ErrorResponse with the given status.
func writeError(w http.ResponseWriter, status int, err error) {
	data, _ := json.Marshal(domain.NewErrorResponse(err))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
