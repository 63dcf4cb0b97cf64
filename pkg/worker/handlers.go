package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/types"
)

// processTally aggregates the chunk's ballot ciphertexts into one
// encrypted tally. The result is deterministic in its inputs, so a
// redelivered message overwriting the row is harmless.
func (p *Pool) processTally(ctx context.Context, msg *types.ChunkMessage) error {
	election, err := p.store.GetElection(msg.ElectionID)
	if err != nil {
		return err
	}
	ciphertexts, err := p.store.LoadBallotCiphertextsForChunk(msg.ChunkID)
	if err != nil {
		return err
	}

	resp, err := p.crypto.Tally(ctx, &cryptoclient.TallyRequest{
		Context:     election.CryptoContext,
		Ciphertexts: ciphertexts,
	})
	if err != nil {
		return err
	}
	if resp.EncryptedTally == "" {
		return errors.New("crypto service returned an empty tally")
	}

	return p.store.UpdateChunkEncryptedTally(msg.ChunkID, resp.EncryptedTally)
}

// processPartial produces the guardian's partial decryption share of the
// chunk's encrypted tally. Duplicate share rows are swallowed by the
// store's unique key.
func (p *Pool) processPartial(ctx context.Context, msg *types.ChunkMessage) error {
	election, err := p.store.GetElection(msg.ElectionID)
	if err != nil {
		return err
	}
	encryptedTally, err := p.store.LoadChunkCiphertext(msg.ChunkID)
	if err != nil {
		return err
	}
	if encryptedTally == "" {
		return errors.Errorf("chunk %s has no encrypted tally yet", msg.ChunkID)
	}
	ciphertexts, err := p.store.LoadBallotCiphertextsForChunk(msg.ChunkID)
	if err != nil {
		return err
	}

	resp, err := p.crypto.PartialDecrypt(ctx, &cryptoclient.PartialDecryptRequest{
		Context:        election.CryptoContext,
		Secret:         msg.GuardianSecret,
		EncryptedTally: encryptedTally,
		Ciphertexts:    ciphertexts,
	})
	if err != nil {
		return err
	}

	_, err = p.store.InsertPartialShare(&types.PartialShare{
		ElectionID: msg.ElectionID,
		ChunkID:    msg.ChunkID,
		GuardianID: msg.GuardianID,
		Share:      resp.Share,
		CreatedAt:  time.Now(),
	})
	return err
}

// processCompensated produces a share on behalf of the absent target
// guardian, using the source guardian's secret and backup digest.
func (p *Pool) processCompensated(ctx context.Context, msg *types.ChunkMessage) error {
	election, err := p.store.GetElection(msg.ElectionID)
	if err != nil {
		return err
	}
	target := election.GuardianByID(msg.TargetID)
	if target == nil {
		return errors.Errorf("target guardian %s not in roster", msg.TargetID)
	}
	encryptedTally, err := p.store.LoadChunkCiphertext(msg.ChunkID)
	if err != nil {
		return err
	}
	ciphertexts, err := p.store.LoadBallotCiphertextsForChunk(msg.ChunkID)
	if err != nil {
		return err
	}

	resp, err := p.crypto.Compensate(ctx, &cryptoclient.CompensateRequest{
		Context:         election.CryptoContext,
		Secret:          msg.GuardianSecret,
		BackupDigest:    msg.BackupDigest,
		EncryptedTally:  encryptedTally,
		Ciphertexts:     ciphertexts,
		TargetPublicKey: target.PublicKey,
		TargetSequence:  target.SequenceOrder,
	})
	if err != nil {
		return err
	}

	_, err = p.store.InsertCompensatedShare(&types.CompensatedShare{
		ElectionID: msg.ElectionID,
		ChunkID:    msg.ChunkID,
		SourceID:   msg.GuardianID,
		TargetID:   msg.TargetID,
		Share:      resp.Share,
		CreatedAt:  time.Now(),
	})
	return err
}

// processCombine reconstructs the chunk's plaintext result from partial
// and compensated shares.
func (p *Pool) processCombine(ctx context.Context, msg *types.ChunkMessage) error {
	election, err := p.store.GetElection(msg.ElectionID)
	if err != nil {
		return err
	}
	if election.DecryptedGuardians() < election.Quorum {
		return errors.Errorf("quorum not met: %d of %d guardians decrypted",
			election.DecryptedGuardians(), election.Quorum)
	}

	encryptedTally, err := p.store.LoadChunkCiphertext(msg.ChunkID)
	if err != nil {
		return err
	}
	partials, err := p.store.LoadPartialSharesForChunk(msg.ChunkID)
	if err != nil {
		return err
	}
	compensated, err := p.store.LoadCompensatedSharesForChunk(msg.ChunkID)
	if err != nil {
		return err
	}

	req := &cryptoclient.CombineRequest{
		Context:        election.CryptoContext,
		EncryptedTally: encryptedTally,
		Quorum:         election.Quorum,
		PartialShares:  partials,
	}
	for pair, share := range compensated {
		req.CompensatedShares = append(req.CompensatedShares, cryptoclient.CompensatedShareEntry{
			SourceID: pair.Source,
			TargetID: pair.Target,
			Share:    share,
		})
	}
	for _, g := range election.Guardians {
		_, present := partials[g.ID]
		req.Guardians = append(req.Guardians, cryptoclient.CombineGuardian{
			ID:            g.ID,
			SequenceOrder: g.SequenceOrder,
			Present:       present,
		})
	}

	resp, err := p.crypto.Combine(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Result) == 0 {
		return errors.New("crypto service returned an empty result")
	}

	return p.store.UpdateChunkResult(msg.ChunkID, string(resp.Result))
}
