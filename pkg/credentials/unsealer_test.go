package credentials

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsealRoundTrip(t *testing.T) {
	sealed, blob, err := SealShare("guardian-1", []byte("private-share"))
	require.NoError(t, err)

	unsealed, err := NewUnsealer().Unseal(blob, "guardian-1", sealed)
	require.NoError(t, err)
	assert.Equal(t, "private-share", unsealed.Secret())

	unsealed.Destroy()
	assert.Empty(t, unsealed.Secret())
}

func TestUnsealFailureModes(t *testing.T) {
	sealed, blob, err := SealShare("guardian-1", []byte("private-share"))
	require.NoError(t, err)

	_, otherBlob, err := SealShare("guardian-1", []byte("other-share"))
	require.NoError(t, err)

	badKey := encodeEnvelope(t, "guardian-1", make([]byte, 32))

	tests := []struct {
		name        string
		blob        []byte
		guardianID  string
		sealedShare []byte
	}{
		{"not base64", []byte("%%%not-base64%%%"), "guardian-1", sealed},
		{"not json", []byte(base64.StdEncoding.EncodeToString([]byte("junk"))), "guardian-1", sealed},
		{"wrong guardian", blob, "guardian-2", sealed},
		{"wrong key", otherBlob, "guardian-1", sealed},
		{"zero key", badKey, "guardian-1", sealed},
		{"truncated share", blob, "guardian-1", sealed[:4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unsealed, err := NewUnsealer().Unseal(tt.blob, tt.guardianID, tt.sealedShare)
			assert.Nil(t, unsealed)
			assert.True(t, errors.Is(err, ErrInvalidCredential))
		})
	}
}

func TestGuardianID(t *testing.T) {
	_, blob, err := SealShare("guardian-1", []byte("share"))
	require.NoError(t, err)

	id, err := GuardianID(blob)
	require.NoError(t, err)
	assert.Equal(t, "guardian-1", id)

	_, err = GuardianID([]byte("garbage"))
	assert.True(t, errors.Is(err, ErrInvalidCredential))
}

func encodeEnvelope(t *testing.T, guardianID string, key []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(envelope{
		GuardianID: guardianID,
		Key:        base64.StdEncoding.EncodeToString(key),
	})
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(raw))
}
