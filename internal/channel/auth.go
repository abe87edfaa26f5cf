package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthRequest is the first message a worker sends after connecting. A worker
// authenticates with its shared key on first connect and may present the
// issued session token on reconnects instead.
type AuthRequest struct {
	WorkerID  string `json:"worker_id"`
	WorkerKey string `json:"worker_key,omitempty"`
	Token     string `json:"token,omitempty"`
}

// AuthResponse confirms the handshake and carries the session token.
type AuthResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// Authenticator verifies worker credentials and issues session tokens.
type Authenticator struct {
	secret     []byte
	keyHash    []byte
	sessionTTL time.Duration
}

// NewAuthenticator builds an authenticator from the signing secret and the
// bcrypt hash of the worker key (both from master config).
func NewAuthenticator(secret, workerKeyHash string) *Authenticator {
	return &Authenticator{
		secret:     []byte(secret),
		keyHash:    []byte(workerKeyHash),
		sessionTTL: 24 * time.Hour,
	}
}

// VerifyKey checks a presented worker key against the configured hash.
func (a *Authenticator) VerifyKey(key string) error {
	if err := bcrypt.CompareHashAndPassword(a.keyHash, []byte(key)); err != nil {
		return errors.New("invalid worker key")
	}
	return nil
}

// IssueToken mints a session token for the worker.
func (a *Authenticator) IssueToken(workerID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   workerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.sessionTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a session token and returns the worker id it was
// issued to.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("session token missing subject")
	}
	return claims.Subject, nil
}

// Authenticate resolves an AuthRequest to a worker id, preferring the session
// token when present.
func (a *Authenticator) Authenticate(req AuthRequest) (string, error) {
	if req.WorkerID == "" {
		return "", errors.New("worker_id is required")
	}
	if req.Token != "" {
		workerID, err := a.VerifyToken(req.Token)
		if err != nil {
			return "", err
		}
		if workerID != req.WorkerID {
			return "", errors.New("session token issued to a different worker")
		}
		return workerID, nil
	}
	if err := a.VerifyKey(req.WorkerKey); err != nil {
		return "", err
	}
	return req.WorkerID, nil
}

// HashWorkerKey produces the bcrypt hash stored in master config.
func HashWorkerKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash worker key: %w", err)
	}
	return string(hash), nil
}
