package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/r3e-benchfabric/master/internal/httputil"
	sllogging "github.com/r3e-benchfabric/master/internal/logging"
)

type auditEvent struct {
	ctx        context.Context
	reason     string
	method     string
	path       string
	operatorID string
	clientIP   string
	userAgent  string
}

var (
	auditLogger = sllogging.NewFromEnv("master")
	auditOnce   sync.Once
	auditQueue  chan *auditEvent
)

func enqueueAudit(event *auditEvent) {
	if event == nil {
		return
	}
	auditOnce.Do(func() {
		auditQueue = make(chan *auditEvent, 256)
		go func() {
			for auditEvent := range auditQueue {
				if auditEvent == nil {
					continue
				}
				fields := map[string]interface{}{
					"audit":       true,
					"event_type":  "admin_gate_reject",
					"reason":      auditEvent.reason,
					"method":      auditEvent.method,
					"path":        auditEvent.path,
					"operator_id": auditEvent.operatorID,
					"client_ip":   auditEvent.clientIP,
					"user_agent":  auditEvent.userAgent,
				}
				auditLogger.WithContext(auditEvent.ctx).WithFields(fields).Warn("Admin gate rejected request")
			}
		}()
	})

	select {
	case auditQueue <- event:
	default:
		// Never block request processing for audit logging.
	}
}

// sha256Sum is a fixed-length digest so constant-time comparisons never
// short-circuit on the length of the caller-supplied secret.
func sha256Sum(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// HeaderGateMiddleware protects the Master's admin HTTP surface (device
// pairing, campaign control, account/queue introspection) behind one of a
// set of shared secrets — config.Server.AdminTokens supports more than one
// so an operator can roll the token without a window where every caller is
// rejected at once: the old and new secret both validate until the old one
// is removed from config. The admin API is operator tooling, not a sibling
// service, so there is no mTLS/JWT identity to check here (see DESIGN.md);
// this is the right-sized replacement.
func HeaderGateMiddleware(sharedSecrets ...string) func(http.Handler) http.Handler {
	expectedHashes := make([][32]byte, 0, len(sharedSecrets))
	for _, secret := range sharedSecrets {
		expectedHashes = append(expectedHashes, sha256Sum(secret))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip health/metrics.
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			operatorID := r.Header.Get("X-Operator-Session-Id")
			receivedSecret := r.Header.Get("X-Shared-Secret")

			if operatorID == "" || receivedSecret == "" {
				enqueueAudit(&auditEvent{
					ctx:        r.Context(),
					reason:     "missing_headers",
					method:     r.Method,
					path:       r.URL.Path,
					operatorID: operatorID,
					clientIP:   httputil.ClientIP(r),
					userAgent:  r.UserAgent(),
				})
				httputil.Unauthorized(w, "unauthorized")
				return
			}

			receivedHash := sha256Sum(receivedSecret)
			matched := false
			for _, expected := range expectedHashes {
				if subtle.ConstantTimeCompare(receivedHash[:], expected[:]) == 1 {
					matched = true
					break
				}
			}
			if !matched {
				enqueueAudit(&auditEvent{
					ctx:        r.Context(),
					reason:     "invalid_secret",
					method:     r.Method,
					path:       r.URL.Path,
					operatorID: operatorID,
					clientIP:   httputil.ClientIP(r),
					userAgent:  r.UserAgent(),
				})
				httputil.Unauthorized(w, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
