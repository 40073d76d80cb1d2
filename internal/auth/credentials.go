package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the token payload issued by the authentication
// collaborator. The agent never verifies signatures; it only reads the
// session identity and expiry so a stale credential can short-circuit
// before a doomed upstream call.
type Claims struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

var (
	ErrNoCredential      = errors.New("no credential for session")
	ErrCredentialExpired = errors.New("credential expired")
)

// Store holds the current bearer credential per session. Authentication
// itself is an external capability; the engine only consults the
// current credential and reacts to unauthorized signals by clearing it.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStore() *Store {
	return &Store{tokens: make(map[string]string)}
}

// ParseBearerToken extracts the token from an Authorization header.
func ParseBearerToken(authHeader string) string {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SessionFromToken derives the session key for a credential: the
// token's sessionId claim when present, else its subject, else the
// token itself.
func SessionFromToken(token string) string {
	claims, err := ParseClaims(token)
	if err == nil {
		if claims.SessionID != "" {
			return claims.SessionID
		}
		if claims.Subject != "" {
			return claims.Subject
		}
	}
	return token
}

// ParseClaims decodes the token payload without signature verification.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Store) SetToken(sessionID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionID] = token
}

func (s *Store) ClearToken(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionID)
}

// Token returns the current credential for the session. An expired
// token is reported as an error so callers surface a re-authentication
// signal instead of sending a request the upstream will reject.
func (s *Store) Token(sessionID string) (string, error) {
	s.mu.RLock()
	token, ok := s.tokens[sessionID]
	s.mu.RUnlock()
	if !ok || token == "" {
		return "", ErrNoCredential
	}

	claims, err := ParseClaims(token)
	if err != nil {
		// Opaque non-JWT credentials pass through untouched.
		return token, nil
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(time.Now()) {
		return "", ErrCredentialExpired
	}
	return token, nil
}

// Valid reports whether the session holds a usable credential. The
// offline queue consults this before flushing so it never replays
// mutations with a stale credential.
func (s *Store) Valid(sessionID string) bool {
	_, err := s.Token(sessionID)
	return err == nil
}
