package api

import (
	"encoding/json"
	"net/http"

	"github.com/lumora/leadgate/internal/pkg/logger"
)

// respondSafeError logs the full internal error server-side and sends a
// sanitized JSON error to the client. Internal details (database errors,
// file paths, backend addresses) never reach API consumers.
func respondSafeError(w http.ResponseWriter, code int, internalErr error, publicMsg string) {
	if internalErr != nil {
		logger.Error(publicMsg, "status", http.StatusText(code), "error", internalErr.Error())
	}
	respondJSON(w, code, map[string]string{"error": publicMsg})
}

// decodeJSON decodes a small JSON request body, rejecting unknown shapes.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4096))
	return dec.Decode(dst)
}
