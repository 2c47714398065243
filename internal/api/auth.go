package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/bargom/sidequest/internal/api/types"
)

// migrationKeyHeader is the shared-secret header checked on mutating routes.
const migrationKeyHeader = "X-Migration-Key"

// requireMigrationKey returns middleware that rejects requests whose
// X-Migration-Key header does not match key. An empty key disables the
// check entirely.
func requireMigrationKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(migrationKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(types.NewErrorResponse("invalid or missing migration key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
