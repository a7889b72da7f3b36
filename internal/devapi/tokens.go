package devapi

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

const tokenIssuer = "memorio-devapi"

type issuer struct {
	key   []byte
	ttl   time.Duration
	clock clock.PassiveClock
}

func newIssuer(key []byte, ttl time.Duration, clk clock.PassiveClock) *issuer {
	return &issuer{key: key, ttl: ttl, clock: clk}
}

// issue signs a new session token for subject.
func (i *issuer) issue(subject string) (string, *jwt.RegisteredClaims, error) {
	now := i.clock.Now()
	claims := &jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}
	return signed, claims, nil
}

// parse validates raw and returns its claims.
func (i *issuer) parse(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// sessionRegistry remembers revoked token IDs until they would have expired.
type sessionRegistry struct {
	clock clock.PassiveClock

	mu      sync.Mutex
	revoked map[string]time.Time
}

func newSessionRegistry(clk clock.PassiveClock) *sessionRegistry {
	return &sessionRegistry{clock: clk, revoked: make(map[string]time.Time)}
}

func (r *sessionRegistry) revoke(claims *jwt.RegisteredClaims) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	for id, exp := range r.revoked {
		if now.After(exp) {
			delete(r.revoked, id)
		}
	}
	r.revoked[claims.ID] = claims.ExpiresAt.Time
}

func (r *sessionRegistry) isRevoked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[id]
	return ok
}
