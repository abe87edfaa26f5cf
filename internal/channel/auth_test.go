package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashWorkerKey("fleet-shared-key")
	require.NoError(t, err)
	return NewAuthenticator("signing-secret", hash)
}

func TestVerifyKey(t *testing.T) {
	auth := newTestAuthenticator(t)

	assert.NoError(t, auth.VerifyKey("fleet-shared-key"))
	assert.Error(t, auth.VerifyKey("wrong-key"))
	assert.Error(t, auth.VerifyKey(""))
}

func TestTokenRoundTrip(t *testing.T) {
	auth := newTestAuthenticator(t)

	token, err := auth.IssueToken("worker-1")
	require.NoError(t, err)

	workerID, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", workerID)
}

func TestTokenRejectedAcrossSecrets(t *testing.T) {
	auth := newTestAuthenticator(t)
	token, err := auth.IssueToken("worker-1")
	require.NoError(t, err)

	hash, err := HashWorkerKey("fleet-shared-key")
	require.NoError(t, err)
	other := NewAuthenticator("different-secret", hash)

	_, err = other.VerifyToken(token)
	assert.Error(t, err)
}

func TestAuthenticatePrefersToken(t *testing.T) {
	auth := newTestAuthenticator(t)
	token, err := auth.IssueToken("worker-1")
	require.NoError(t, err)

	// Token presented with a bogus key: the token wins.
	workerID, err := auth.Authenticate(AuthRequest{WorkerID: "worker-1", WorkerKey: "bogus", Token: token})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", workerID)
}

func TestAuthenticateTokenWorkerMismatch(t *testing.T) {
	auth := newTestAuthenticator(t)
	token, err := auth.IssueToken("worker-1")
	require.NoError(t, err)

	_, err = auth.Authenticate(AuthRequest{WorkerID: "worker-2", Token: token})
	assert.Error(t, err)
}

func TestAuthenticateWithKey(t *testing.T) {
	auth := newTestAuthenticator(t)

	workerID, err := auth.Authenticate(AuthRequest{WorkerID: "worker-9", WorkerKey: "fleet-shared-key"})
	require.NoError(t, err)
	assert.Equal(t, "worker-9", workerID)

	_, err = auth.Authenticate(AuthRequest{WorkerID: "worker-9", WorkerKey: "nope"})
	assert.Error(t, err)

	_, err = auth.Authenticate(AuthRequest{WorkerKey: "fleet-shared-key"})
	assert.Error(t, err, "worker id is required")
}
