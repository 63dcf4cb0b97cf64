package cryptoclient

import (
	"context"
	"encoding/json"
	"strconv"
)

// TallyRequest aggregates a chunk's ballot ciphertexts homomorphically.
type TallyRequest struct {
	Context     string   `json:"context"`
	Ciphertexts []string `json:"ciphertexts"`
}

type TallyResponse struct {
	EncryptedTally string `json:"encryptedTally"`
}

// Tally aggregates a chunk's ballots into one encrypted tally. The result
// is a deterministic function of the inputs, so overwrites are safe.
func (c *Client) Tally(ctx context.Context, req *TallyRequest) (*TallyResponse, error) {
	var resp TallyResponse
	if err := c.PostJSON(ctx, EndpointTally, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PartialDecryptRequest produces a guardian's partial decryption share.
type PartialDecryptRequest struct {
	Context        string   `json:"context"`
	Secret         string   `json:"secret"`
	EncryptedTally string   `json:"encryptedTally"`
	Ciphertexts    []string `json:"ciphertexts"`
}

type PartialDecryptResponse struct {
	Share string `json:"share"`
}

func (c *Client) PartialDecrypt(ctx context.Context, req *PartialDecryptRequest) (*PartialDecryptResponse, error) {
	var resp PartialDecryptResponse
	if err := c.PostJSON(ctx, EndpointPartialDecrypt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompensateRequest produces a share on behalf of an absent guardian.
type CompensateRequest struct {
	Context         string   `json:"context"`
	Secret          string   `json:"secret"`
	BackupDigest    string   `json:"backupDigest"`
	EncryptedTally  string   `json:"encryptedTally"`
	Ciphertexts     []string `json:"ciphertexts"`
	TargetPublicKey string   `json:"targetPublicKey"`
	TargetSequence  int      `json:"targetSequence"`
}

type CompensateResponse struct {
	Share string `json:"share"`
}

func (c *Client) Compensate(ctx context.Context, req *CompensateRequest) (*CompensateResponse, error) {
	var resp CompensateResponse
	if err := c.PostJSON(ctx, EndpointCompensate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CombineShareSet carries everything the crypto service needs to Lagrange
// interpolate the plaintext for one chunk.
type CombineRequest struct {
	Context        string `json:"context"`
	EncryptedTally string `json:"encryptedTally"`
	Quorum         int    `json:"quorum"`

	// PartialShares maps guardian id to that guardian's share.
	PartialShares map[string]string `json:"partialShares"`

	// CompensatedShares reconstruct absent guardians.
	CompensatedShares []CompensatedShareEntry `json:"compensatedShares"`

	// Guardians lists sequence orders for Lagrange coefficients.
	Guardians []CombineGuardian `json:"guardians"`
}

type CompensatedShareEntry struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	Share    string `json:"share"`
}

type CombineGuardian struct {
	ID            string `json:"id"`
	SequenceOrder int    `json:"sequenceOrder"`
	Present       bool   `json:"present"`
}

type CombineResponse struct {
	Result json.RawMessage `json:"result"`
}

func (c *Client) Combine(ctx context.Context, req *CombineRequest) (*CombineResponse, error) {
	var resp CombineResponse
	if err := c.PostJSON(ctx, EndpointCombine, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncryptRequest encrypts one ballot on the voter-facing boundary.
type EncryptRequest struct {
	Context string          `json:"context"`
	Ballot  json.RawMessage `json:"ballot"`
}

type EncryptResponse struct {
	BallotID   string `json:"ballotId"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptBallot calls the ballot-encryption endpoint. This endpoint, and
// only this endpoint, pads the request body to a constant size so request
// length leaks nothing about ballot contents.
func (c *Client) EncryptBallot(ctx context.Context, req *EncryptRequest) (*EncryptResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	padded, padLen := Pad(payload)

	var resp EncryptResponse
	headers := map[string]string{PadHeader: strconv.Itoa(padLen)}
	if err := c.post(ctx, EndpointEncrypt, padded, headers, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
