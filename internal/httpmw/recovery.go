package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/r3e-benchfabric/master/internal/httputil"
	"github.com/r3e-benchfabric/master/internal/logging"
	errors "github.com/r3e-benchfabric/master/internal/svcerrors"
)

// RecoveryMiddleware recovers from a panic raised anywhere in an admin route
// handler (a bad type assertion on a registry entry, a nil device after a
// racing stale-sweep, etc.) so one bad request cannot take the whole HTTP
// server down.
type RecoveryMiddleware struct {
	logger *logging.Logger
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger *logging.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		logger: logger,
	}
}

// Handler returns the recovery middleware handler.
func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()
				m.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"panic":       fmt.Sprintf("%v", err),
					"stack":       string(stack),
					"path":        r.URL.Path,
					"method":      r.Method,
					"remote_addr": r.RemoteAddr,
				}).Error("Panic recovered")

				serviceErr := errors.Internal("internal server error", fmt.Errorf("%v", err))
				httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
