package credentials

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// ErrInvalidCredential is returned for every credential failure mode:
// malformed blob, wrong key, mismatched guardian, failed round trip. The
// caller surfaces UserMessage and nothing more specific; the distinction
// is logged, not leaked.
var ErrInvalidCredential = errors.New("invalid credential")

// UserMessage is the fixed user-facing string for credential failures.
const UserMessage = "The credential file you provided is incorrect. Please upload the correct file that was sent to you via email."

// fixture is the known plaintext used for the round-trip self test.
var fixture = []byte("tally-credential-fixture-v1")

// envelope is the decoded form of a guardian's credential file.
type envelope struct {
	GuardianID string `json:"guardianId"`
	Key        string `json:"key"` // base64, 32 bytes for AES-256-GCM
}

// Unsealed is an in-memory handle on a guardian's unsealed private share.
// Destroy zeroes the secret; the secret never touches disk.
type Unsealed struct {
	secret []byte
}

// Secret returns the unsealed private share.
func (u *Unsealed) Secret() string {
	return string(u.secret)
}

// Destroy zeroes the secret in place.
func (u *Unsealed) Destroy() {
	for i := range u.secret {
		u.secret[i] = 0
	}
	u.secret = nil
}

// Unsealer validates caller-supplied credential files against a
// guardian's sealed private share.
type Unsealer struct{}

// NewUnsealer creates an unsealer.
func NewUnsealer() *Unsealer {
	return &Unsealer{}
}

// Unseal performs every check up front: the blob must be a well-formed
// credential envelope, must name the expected guardian, must decrypt the
// guardian's sealed share, and must survive a round-trip seal/open of a
// known fixture. Any failure is ErrInvalidCredential; nothing is
// scheduled until this succeeds.
func (u *Unsealer) Unseal(blob []byte, guardianID string, sealedShare []byte) (*Unsealed, error) {
	key, err := parseEnvelope(blob, guardianID)
	if err != nil {
		return nil, err
	}

	secret, err := open(key, sealedShare)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCredential, "sealed share does not open")
	}
	if len(secret) == 0 {
		return nil, errors.Wrap(ErrInvalidCredential, "unsealed share is empty")
	}

	// Round-trip self test with a known fixture: a key that decrypts the
	// stored blob but cannot complete a seal/open cycle is not usable.
	sealed, err := seal(key, fixture)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCredential, "fixture seal failed")
	}
	echo, err := open(key, sealed)
	if err != nil || !bytes.Equal(echo, fixture) {
		return nil, errors.Wrap(ErrInvalidCredential, "fixture round trip failed")
	}

	return &Unsealed{secret: secret}, nil
}

func parseEnvelope(blob []byte, guardianID string) ([]byte, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(blob))
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCredential, "credential is not base64")
	}

	var env envelope
	if err := json.Unmarshal(decoded[:n], &env); err != nil {
		return nil, errors.Wrap(ErrInvalidCredential, "credential envelope is malformed")
	}
	if env.GuardianID != guardianID {
		return nil, errors.Wrap(ErrInvalidCredential, "credential names a different guardian")
	}

	key, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil || len(key) != 32 {
		return nil, errors.Wrap(ErrInvalidCredential, "credential key is malformed")
	}
	return key, nil
}

// seal encrypts plaintext with AES-256-GCM, nonce prepended.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts data sealed by seal.
func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// GuardianID extracts the guardian id a credential blob claims to belong
// to, without validating anything else. The claim is only trusted after
// Unseal succeeds against that guardian's sealed share.
func GuardianID(blob []byte) (string, error) {
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(decoded, bytes.TrimSpace(blob))
	if err != nil {
		return "", errors.Wrap(ErrInvalidCredential, "credential is not base64")
	}
	var env envelope
	if err := json.Unmarshal(decoded[:n], &env); err != nil {
		return "", errors.Wrap(ErrInvalidCredential, "credential envelope is malformed")
	}
	if env.GuardianID == "" {
		return "", errors.Wrap(ErrInvalidCredential, "credential names no guardian")
	}
	return env.GuardianID, nil
}

// SealShare seals a guardian's private share under a fresh credential
// key, returning the sealed share and the credential file blob to deliver
// to the guardian. Used by provisioning and tests.
func SealShare(guardianID string, privateShare []byte) (sealed []byte, blob []byte, err error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, errors.Wrap(err, "failed to generate credential key")
	}

	sealed, err = seal(key, privateShare)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to seal share")
	}

	env := envelope{
		GuardianID: guardianID,
		Key:        base64.StdEncoding.EncodeToString(key),
	}
	raw, err := json.Marshal(&env)
	if err != nil {
		return nil, nil, err
	}
	blob = []byte(base64.StdEncoding.EncodeToString(raw))
	return sealed, blob, nil
}
