package shield

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/fetchguard/kit"
)

// APIKeyHeader is the alternative to "Authorization: Bearer <key>".
const APIKeyHeader = "X-API-Key"

// KeyAuth checks API keys against a set of bcrypt hashes. Verified keys are
// remembered by SHA-256 digest so bcrypt runs once per key, not per request.
type KeyAuth struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewKeyAuth builds a KeyAuth. It fails if a hash is not a bcrypt hash.
func NewKeyAuth(hashes []string) (*KeyAuth, error) {
	k := &KeyAuth{verified: make(map[[sha256.Size]byte]string)}
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("shield: api key hash %d: %w", i, err)
		}
		k.hashes = append(k.hashes, []byte(h))
	}
	return k, nil
}

// Enabled reports whether any key is configured.
func (k *KeyAuth) Enabled() bool { return k != nil && len(k.hashes) > 0 }

// Verify returns the client ID for key, or false if no hash matches.
func (k *KeyAuth) Verify(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	digest := sha256.Sum256([]byte(key))
	k.mu.RLock()
	id, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return id, true
	}

	for i, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			id = fmt.Sprintf("key-%d", i)
			k.mu.Lock()
			k.verified[digest] = id
			k.mu.Unlock()
			return id, true
		}
	}
	return "", false
}

// Middleware rejects requests without a valid key with 401. When no key is
// configured every request passes and is identified by its address.
func (k *KeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := k.Verify(requestKey(r))
		if !ok {
			kit.Logger(r.Context()).Warn("api key rejected", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="fetchguard"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(kit.WithClientID(r.Context(), id)))
	})
}

func requestKey(r *http.Request) string {
	if v := r.Header.Get(APIKeyHeader); v != "" {
		return strings.TrimSpace(v)
	}
	auth := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// HashKey returns the bcrypt hash to put in api_key_hashes for key.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("shield: hash api key: %w", err)
	}
	return string(h), nil
}
