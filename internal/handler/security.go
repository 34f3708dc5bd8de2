package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/xenking/settle/internal/domain/auth"
	"github.com/xenking/settle/internal/domain/checkout"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

type actorKey struct{}

// ActorFromContext returns the authenticated actor placed by the security
// middleware.
func ActorFromContext(ctx context.Context) (checkout.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(checkout.Actor)
	return actor, ok
}

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API
// keys. Only the peppered hash is stored, so a database leak does not leak
// usable keys.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Middleware rejects requests without a valid API key and attaches the
// resolved actor to the request context.
func (s *SecurityHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		mac := hmac.New(sha256.New, s.pepper)
		mac.Write([]byte(key))
		hash := mac.Sum(nil)

		info, err := s.apikeys.FindByHash(r.Context(), hex.EncodeToString(hash))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		// Constant-time comparison guards against timing side-channels even
		// though the lookup already succeeded.
		stored, err := hex.DecodeString(info.KeyHash)
		if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		actor := checkout.Actor{
			MemberID:       info.MemberID,
			OrganizationID: info.OrganizationID,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// HashKey computes the stored form of an API key: hex-encoded HMAC-SHA256
// under the given pepper. Shared with the seeding tooling.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
