package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

// DuplicateError rejects a submission because the guardian already has
// one on record. Status carries the current snapshot so the caller can
// show progress (or the completed outcome) instead of a bare error.
type DuplicateError struct {
	Status *types.PartialDecryptionStatus
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("guardian %s already has a %s submission for election %s",
		e.Status.GuardianID, e.Status.State, e.Status.ElectionID)
}

// LaunchFunc creates and registers the guardian's partial job once the
// credential has been validated. It receives the unsealed share; the
// tracker destroys the share after launch returns.
type LaunchFunc func(unsealed *credentials.Unsealed) (*types.Job, error)

// Tracker serializes guardian decryption submissions. One submission per
// (election, guardian) at a time: concurrent duplicates collapse onto a
// single launch through singleflight, and racing late arrivals hit the
// per-key lock plus the durable status row.
type Tracker struct {
	store    storage.Store
	unsealer *credentials.Unsealer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sf    singleflight.Group

	logger zerolog.Logger
}

// NewTracker creates a tracker backed by the given store.
func NewTracker(store storage.Store, unsealer *credentials.Unsealer) *Tracker {
	return &Tracker{
		store:    store,
		unsealer: unsealer,
		locks:    make(map[string]*sync.Mutex),
		logger:   log.WithComponent("tracker"),
	}
}

// Submit runs a guardian's decryption submission through the gate:
// duplicate check, credential validation, then launch. Nothing reaches
// the queues unless the credential validates; a failed validation leaves
// a FAILED status row and returns ErrInvalidCredential. Re-submission
// after FAILED is accepted and starts over.
func (t *Tracker) Submit(election *types.Election, guardianID string, blob []byte, launch LaunchFunc) (*types.PartialDecryptionStatus, *types.Job, error) {
	key := election.ID + "/" + guardianID

	type result struct {
		status *types.PartialDecryptionStatus
		job    *types.Job
	}
	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		unlock := t.lock(key)
		defer unlock()

		status, job, err := t.submit(election, guardianID, blob, launch)
		if err != nil {
			return nil, err
		}
		return &result{status: status, job: job}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(*result)
	return r.status, r.job, nil
}

func (t *Tracker) submit(election *types.Election, guardianID string, blob []byte, launch LaunchFunc) (*types.PartialDecryptionStatus, *types.Job, error) {
	guardian := election.GuardianByID(guardianID)
	if guardian == nil {
		return nil, nil, errors.Errorf("guardian %s is not on the election roster", guardianID)
	}

	existing, err := t.store.GetDecryptionStatus(election.ID, guardianID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}
	if existing != nil && existing.State != types.DecryptionStateFailed {
		return nil, nil, &DuplicateError{Status: existing}
	}

	unsealed, err := t.unsealer.Unseal(blob, guardianID, guardian.SealedShare)
	if err != nil {
		t.logger.Warn().Err(err).
			Str("election_id", election.ID).
			Str("guardian_id", guardianID).
			Msg("credential validation failed")
		now := time.Now()
		ferr := t.store.UpsertDecryptionStatus(&types.PartialDecryptionStatus{
			ElectionID:    election.ID,
			GuardianID:    guardianID,
			GuardianName:  guardian.Name,
			GuardianEmail: guardian.Email,
			State:         types.DecryptionStateFailed,
			Phase:         types.PhasePartial,
			LastError:     credentials.UserMessage,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if ferr != nil {
			t.logger.Error().Err(ferr).Msg("failed to record credential failure")
		}
		return nil, nil, err
	}
	defer unsealed.Destroy()

	now := time.Now()
	status := &types.PartialDecryptionStatus{
		ElectionID:    election.ID,
		GuardianID:    guardianID,
		GuardianName:  guardian.Name,
		GuardianEmail: guardian.Email,
		State:         types.DecryptionStatePending,
		Phase:         types.PhasePartial,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store.UpsertDecryptionStatus(status); err != nil {
		return nil, nil, err
	}

	job, err := launch(unsealed)
	if err != nil {
		status.State = types.DecryptionStateFailed
		status.LastError = err.Error()
		status.UpdatedAt = time.Now()
		if uerr := t.store.UpsertDecryptionStatus(status); uerr != nil {
			t.logger.Error().Err(uerr).Msg("failed to record launch failure")
		}
		return nil, nil, err
	}

	status.State = types.DecryptionStateInProgress
	status.TotalChunks = job.TotalChunks
	status.UpdatedAt = time.Now()
	if err := t.store.UpsertDecryptionStatus(status); err != nil {
		return nil, nil, err
	}

	t.logger.Info().
		Str("election_id", election.ID).
		Str("guardian_id", guardianID).
		Str("job_id", job.ID).
		Int("chunks", job.TotalChunks).
		Msg("guardian decryption submission accepted")
	return status, job, nil
}

// Status returns the guardian's current submission snapshot.
func (t *Tracker) Status(electionID, guardianID string) (*types.PartialDecryptionStatus, error) {
	return t.store.GetDecryptionStatus(electionID, guardianID)
}

// lock takes the per-key mutex, creating it on first use. Keys are never
// pruned; the set is bounded by guardians times elections.
func (t *Tracker) lock(key string) func() {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
