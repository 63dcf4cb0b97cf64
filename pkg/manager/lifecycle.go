package manager

import (
	"time"

	"github.com/pkg/errors"

	"github.com/civitas/tally/pkg/audit"
	"github.com/civitas/tally/pkg/scheduler"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

// The manager implements worker.Lifecycle: workers report chunk and job
// completions here, and the manager advances the per-guardian decryption
// state machine (partial -> compensated -> completed), opens follow-up
// jobs, and warms the results cache.

// TallyChunkCompleted audits one tallied chunk.
func (m *Manager) TallyChunkCompleted(electionID, chunkID string) {
	m.sink.Emit(audit.EventTallyChunkCompleted, electionID, map[string]string{
		"chunkId": chunkID,
	})
}

// TallyJobCompleted fires when the last tally chunk settles.
func (m *Manager) TallyJobCompleted(electionID, jobID string) error {
	m.logger.Info().
		Str("election_id", electionID).
		Str("job_id", jobID).
		Msg("tally job completed")
	return nil
}

// PartialProgress updates the guardian's status row with partial-phase
// counters.
func (m *Manager) PartialProgress(electionID, guardianID string, processed, total int) error {
	status, err := m.store.GetDecryptionStatus(electionID, guardianID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if status.State == types.DecryptionStateCompleted || status.State == types.DecryptionStateFailed {
		return nil
	}
	status.State = types.DecryptionStateInProgress
	status.Phase = types.PhasePartial
	status.TotalChunks = total
	status.ProcessedChunks = processed
	status.UpdatedAt = time.Now()
	return m.store.UpsertDecryptionStatus(status)
}

// PartialJobCompleted decides the guardian's next step: if every other
// non-decrypted guardian has a live or completed submission of their
// own, the guardian is done; otherwise a compensated job is opened
// covering each absent guardian on every chunk.
func (m *Manager) PartialJobCompleted(electionID, guardianID, jobID string) error {
	election, err := m.getElection(electionID)
	if err != nil {
		return err
	}

	targets, err := m.absentTargets(election, guardianID)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return m.finishGuardian(election, guardianID)
	}
	return m.startCompensation(election, guardianID, targets)
}

// absentTargets lists guardians with no live submission: no status row
// at all, or a FAILED one. Guardians currently submitting cover
// themselves.
func (m *Manager) absentTargets(election *types.Election, sourceID string) ([]*types.Guardian, error) {
	var targets []*types.Guardian
	for _, g := range election.Guardians {
		if g.ID == sourceID || g.Decrypted {
			continue
		}
		status, err := m.store.GetDecryptionStatus(election.ID, g.ID)
		if errors.Is(err, storage.ErrNotFound) {
			targets = append(targets, g)
			continue
		}
		if err != nil {
			return nil, err
		}
		if status.State == types.DecryptionStateFailed {
			targets = append(targets, g)
		}
	}
	return targets, nil
}

// startCompensation opens a new job fanning the election's chunks out
// over every absent target, target-major so the status row can report
// which guardian is currently being covered.
func (m *Manager) startCompensation(election *types.Election, sourceID string, targets []*types.Guardian) error {
	extras, ok := m.extrasFor(election.ID, sourceID)
	if !ok {
		// The unsealed secret lives only in process memory; after a
		// restart the guardian has to resubmit their credential.
		m.logger.Error().
			Str("election_id", election.ID).
			Str("guardian_id", sourceID).
			Msg("no decryption session for compensation, resubmission required")
		m.failGuardian(election.ID, sourceID, "decryption session was lost, please resubmit your credential")
		return errors.Errorf("no decryption session for guardian %s", sourceID)
	}

	chunkIDs, err := m.store.FindChunkIDsByElection(election.ID)
	if err != nil {
		return err
	}
	refs := make([]scheduler.ChunkRef, 0, len(chunkIDs)*len(targets))
	for _, target := range targets {
		for _, chunkID := range chunkIDs {
			refs = append(refs, scheduler.ChunkRef{ChunkID: chunkID, TargetID: target.ID})
		}
	}

	job, err := m.startJob(election, types.OperationCompensated, sourceID, refs, extras)
	if err != nil {
		return err
	}

	status, err := m.store.GetDecryptionStatus(election.ID, sourceID)
	if err != nil {
		return err
	}
	status.State = types.DecryptionStateInProgress
	status.Phase = types.PhaseCompensated
	status.TotalGuardians = len(targets)
	status.ProcessedGuardians = 0
	status.CurrentTargetID = targets[0].ID
	status.CurrentTargetName = targets[0].Name
	status.UpdatedAt = time.Now()
	if err := m.store.UpsertDecryptionStatus(status); err != nil {
		return err
	}

	m.logger.Info().
		Str("election_id", election.ID).
		Str("guardian_id", sourceID).
		Str("job_id", job.ID).
		Int("targets", len(targets)).
		Msg("compensated decryption started")
	return nil
}

// CompensatedProgress updates the guardian's status row with
// compensated-phase counters, deriving covered-guardian counts from the
// chunk counters.
func (m *Manager) CompensatedProgress(electionID, sourceID, targetID string, processed, total int) error {
	status, err := m.store.GetDecryptionStatus(electionID, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if status.State == types.DecryptionStateCompleted || status.State == types.DecryptionStateFailed {
		return nil
	}

	status.Phase = types.PhaseCompensated
	if status.TotalGuardians > 0 {
		chunksPerTarget := total / status.TotalGuardians
		if chunksPerTarget > 0 {
			status.ProcessedGuardians = processed / chunksPerTarget
		}
	}
	status.CurrentTargetID = targetID
	if election, err := m.getElection(electionID); err == nil {
		if target := election.GuardianByID(targetID); target != nil {
			status.CurrentTargetName = target.Name
		}
	}
	status.UpdatedAt = time.Now()
	return m.store.UpsertDecryptionStatus(status)
}

// CompensatedJobCompleted settles the source guardian once every absent
// guardian is covered on every chunk.
func (m *Manager) CompensatedJobCompleted(electionID, sourceID, jobID string) error {
	election, err := m.getElection(electionID)
	if err != nil {
		return err
	}
	return m.finishGuardian(election, sourceID)
}

// CombineJobCompleted assembles and caches the election results.
func (m *Manager) CombineJobCompleted(electionID, jobID string) error {
	results, err := m.assembleResults(electionID)
	if err != nil {
		return err
	}
	m.cache.Set(electionID, results, 0)

	m.sink.Emit(audit.EventCombineCompleted, electionID, map[string]string{
		"jobId": jobID,
	})
	m.logger.Info().
		Str("election_id", electionID).
		Str("job_id", jobID).
		Int("chunks", results.Chunks).
		Msg("election results combined")
	return nil
}

// JobFailed records a job that settled with permanently failed chunks.
// Decryption jobs also fail the guardian's status row so the next
// submission is accepted.
func (m *Manager) JobFailed(electionID string, op types.OperationKind, guardianID, jobID, errMsg string) error {
	m.logger.Error().
		Str("election_id", electionID).
		Str("job_id", jobID).
		Str("operation", string(op)).
		Str("error", errMsg).
		Msg("job failed")

	if op == types.OperationPartial || op == types.OperationCompensated {
		m.failGuardian(electionID, guardianID, errMsg)
	}
	return nil
}

// finishGuardian marks the guardian decrypted, completes their status
// row, and drops the in-memory session.
func (m *Manager) finishGuardian(election *types.Election, guardianID string) error {
	if err := m.store.MarkGuardianDecrypted(election.ID, guardianID); err != nil {
		return err
	}
	m.clearExtras(election.ID, guardianID)

	status, err := m.store.GetDecryptionStatus(election.ID, guardianID)
	if err != nil {
		return err
	}
	status.State = types.DecryptionStateCompleted
	status.Phase = types.PhaseCompleted
	status.ProcessedChunks = status.TotalChunks
	if status.TotalGuardians > 0 {
		status.ProcessedGuardians = status.TotalGuardians
	}
	status.CurrentTargetID = ""
	status.CurrentTargetName = ""
	status.UpdatedAt = time.Now()
	if err := m.store.UpsertDecryptionStatus(status); err != nil {
		return err
	}

	m.sink.Emit(audit.EventGuardianCompleted, election.ID, map[string]string{
		"guardianId": guardianID,
	})
	m.logger.Info().
		Str("election_id", election.ID).
		Str("guardian_id", guardianID).
		Msg("guardian decryption completed")
	return nil
}

func (m *Manager) failGuardian(electionID, guardianID, errMsg string) {
	m.clearExtras(electionID, guardianID)

	status, err := m.store.GetDecryptionStatus(electionID, guardianID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error().Err(err).Msg("failed to load decryption status")
		}
		return
	}
	if status.State == types.DecryptionStateCompleted {
		return
	}
	status.State = types.DecryptionStateFailed
	status.LastError = errMsg
	status.UpdatedAt = time.Now()
	if err := m.store.UpsertDecryptionStatus(status); err != nil {
		m.logger.Error().Err(err).Msg("failed to record guardian failure")
	}
}
