package manager

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/civitas/tally/pkg/audit"
	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/metrics"
	"github.com/civitas/tally/pkg/planner"
	"github.com/civitas/tally/pkg/scheduler"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/tracker"
	"github.com/civitas/tally/pkg/types"
)

var (
	// ErrInvalidInput rejects a request over a precondition the caller can
	// fix: unknown election, election not ended, quorum not met.
	ErrInvalidInput = errors.New("invalid input")

	// ErrResultsNotReady is returned before every chunk has been combined.
	ErrResultsNotReady = errors.New("results not yet available")
)

// Manager coordinates the orchestration pipeline: it creates jobs,
// registers them with the scheduler, and runs the completion side
// effects workers report back through the Lifecycle interface.
type Manager struct {
	store   storage.Store
	plan    *planner.Planner
	sched   *scheduler.Scheduler
	tracker *tracker.Tracker
	crypto  *cryptoclient.Client
	sink    audit.Sink
	cache   *gocache.Cache

	// mu serializes job creation so concurrent identical requests
	// resolve to one job.
	mu sync.Mutex

	// extras holds the per-guardian message extras (including the
	// unsealed secret) between the partial and compensated phases, keyed
	// by electionID/guardianID. Memory only; cleared when the guardian
	// settles.
	extrasMu sync.Mutex
	extras   map[string]scheduler.MessageExtras

	logger zerolog.Logger
}

// NewManager wires the coordinator.
func NewManager(store storage.Store, plan *planner.Planner, sched *scheduler.Scheduler, trk *tracker.Tracker, crypto *cryptoclient.Client, sink audit.Sink) *Manager {
	return &Manager{
		store:   store,
		plan:    plan,
		sched:   sched,
		tracker: trk,
		crypto:  crypto,
		sink:    sink,
		cache:   gocache.New(time.Hour, 10*time.Minute),
		extras:  make(map[string]scheduler.MessageExtras),
		logger:  log.WithComponent("manager"),
	}
}

// CreateElection validates and persists a new election.
func (m *Manager) CreateElection(e *types.Election) error {
	if e.Name == "" {
		return errors.Wrap(ErrInvalidInput, "election name is required")
	}
	if len(e.Guardians) == 0 {
		return errors.Wrap(ErrInvalidInput, "election needs at least one guardian")
	}
	if e.Quorum < 1 || e.Quorum > len(e.Guardians) {
		return errors.Wrapf(ErrInvalidInput, "quorum must be between 1 and %d", len(e.Guardians))
	}
	seen := make(map[string]bool, len(e.Guardians))
	for _, g := range e.Guardians {
		if g.ID == "" {
			g.ID = uuid.New().String()
		}
		if seen[g.ID] {
			return errors.Wrapf(ErrInvalidInput, "duplicate guardian id %s", g.ID)
		}
		seen[g.ID] = true
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return m.store.SaveElection(e)
}

// EncryptBallot encrypts and stores one cast ballot through the crypto
// service. Ballots are accepted only while the election is open.
func (m *Manager) EncryptBallot(ctx context.Context, electionID string, ballot json.RawMessage) (*types.Ballot, error) {
	election, err := m.getElection(electionID)
	if err != nil {
		return nil, err
	}
	if election.Ended {
		return nil, errors.Wrap(ErrInvalidInput, "election has ended")
	}

	resp, err := m.crypto.EncryptBallot(ctx, &cryptoclient.EncryptRequest{
		Context: election.CryptoContext,
		Ballot:  ballot,
	})
	if err != nil {
		return nil, err
	}

	id := resp.BallotID
	if id == "" {
		id = uuid.New().String()
	}
	b := &types.Ballot{
		ID:         id,
		ElectionID: electionID,
		Status:     types.BallotStatusCast,
		Ciphertext: resp.Ciphertext,
		CastAt:     time.Now(),
	}
	if err := m.store.SaveBallot(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateTallyJob chunks the election's cast ballots and starts the tally
// job. Idempotent: a repeated request returns the existing job.
func (m *Manager) CreateTallyJob(electionID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	election, err := m.getElection(electionID)
	if err != nil {
		return nil, err
	}
	if !election.Ended {
		return nil, errors.Wrap(ErrInvalidInput, "election has not ended")
	}

	if existing, err := m.store.FindJob(electionID, types.OperationTally, ""); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	chunkIDs, err := m.plan.Plan(electionID)
	if errors.Is(err, planner.ErrAlreadyChunked) {
		// Chunk rows survived an earlier crash before the job row was
		// written; reuse them.
		chunkIDs, err = m.store.FindChunkIDsByElection(electionID)
	}
	if errors.Is(err, planner.ErrNoBallots) {
		return nil, errors.Wrap(ErrInvalidInput, "election has no cast ballots")
	}
	if err != nil {
		return nil, err
	}

	job, err := m.startJob(election, types.OperationTally, "", chunkRefs(chunkIDs, ""), scheduler.MessageExtras{})
	if err != nil {
		return nil, err
	}

	m.sink.Emit(audit.EventChunksCreated, electionID, map[string]string{
		"jobId":  job.ID,
		"chunks": strconv.Itoa(len(chunkIDs)),
	})
	return job, nil
}

// InitiateDecryption runs a guardian's credential through the tracker
// gate and, on success, starts the guardian's partial decryption job.
func (m *Manager) InitiateDecryption(electionID string, credentialBlob []byte) (*types.PartialDecryptionStatus, *types.Job, error) {
	election, err := m.getElection(electionID)
	if err != nil {
		return nil, nil, err
	}
	if !election.Ended {
		return nil, nil, errors.Wrap(ErrInvalidInput, "election has not ended")
	}

	tallyJob, err := m.store.FindJob(electionID, types.OperationTally, "")
	if errors.Is(err, storage.ErrNotFound) || (err == nil && tallyJob.State != types.JobStateCompleted) {
		return nil, nil, errors.Wrap(ErrInvalidInput, "tally has not completed for this election")
	}
	if err != nil {
		return nil, nil, err
	}

	guardianID, err := credentials.GuardianID(credentialBlob)
	if err != nil {
		return nil, nil, err
	}
	guardian := election.GuardianByID(guardianID)
	if guardian == nil {
		// The blob names a guardian this election has never heard of;
		// indistinguishable from a wrong credential on purpose.
		return nil, nil, errors.Wrap(credentials.ErrInvalidCredential, "credential names an unknown guardian")
	}

	chunkIDs, err := m.store.FindChunkIDsByElection(electionID)
	if err != nil {
		return nil, nil, err
	}

	return m.tracker.Submit(election, guardianID, credentialBlob, func(unsealed *credentials.Unsealed) (*types.Job, error) {
		extras := scheduler.MessageExtras{
			GuardianID:     guardianID,
			GuardianSecret: unsealed.Secret(),
			BackupDigest:   guardian.BackupDigest,
		}
		m.putExtras(electionID, guardianID, extras)

		job, err := m.startJob(election, types.OperationPartial, guardianID, chunkRefs(chunkIDs, ""), extras)
		if err != nil {
			m.clearExtras(electionID, guardianID)
			return nil, err
		}

		m.sink.Emit(audit.EventPartialSubmitted, electionID, map[string]string{
			"guardianId": guardianID,
			"jobId":      job.ID,
			"chunks":     strconv.Itoa(len(chunkIDs)),
		})
		return job, nil
	})
}

// CombineDecryption starts the combine job once quorum is satisfied.
// Idempotent: a repeated request returns the existing job.
func (m *Manager) CombineDecryption(electionID string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	election, err := m.getElection(electionID)
	if err != nil {
		return nil, err
	}
	if decrypted := election.DecryptedGuardians(); decrypted < election.Quorum {
		return nil, errors.Wrapf(ErrInvalidInput, "quorum not met: %d of %d guardians have decrypted", decrypted, election.Quorum)
	}

	if existing, err := m.store.FindJob(electionID, types.OperationCombine, ""); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	chunkIDs, err := m.store.FindChunkIDsByElection(electionID)
	if err != nil {
		return nil, err
	}
	return m.startJob(election, types.OperationCombine, "", chunkRefs(chunkIDs, ""), scheduler.MessageExtras{})
}

// JobStatus returns the job's durable state.
func (m *Manager) JobStatus(jobID string) (*types.Job, error) {
	return m.store.GetJob(jobID)
}

// DecryptionStatus returns the guardian's submission snapshot.
func (m *Manager) DecryptionStatus(electionID, guardianID string) (*types.PartialDecryptionStatus, error) {
	return m.tracker.Status(electionID, guardianID)
}

// CachedResults returns the combined election results, serving from the
// cache once assembled. ErrResultsNotReady until every chunk carries a
// combined result.
func (m *Manager) CachedResults(electionID string) (*types.CombinedResults, error) {
	if v, ok := m.cache.Get(electionID); ok {
		return v.(*types.CombinedResults), nil
	}
	results, err := m.assembleResults(electionID)
	if err != nil {
		return nil, err
	}
	m.cache.Set(electionID, results, gocache.DefaultExpiration)
	return results, nil
}

func (m *Manager) assembleResults(electionID string) (*types.CombinedResults, error) {
	total, err := m.store.CountChunksByElection(electionID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrResultsNotReady
	}
	results, err := m.store.LoadChunkResults(electionID)
	if err != nil {
		return nil, err
	}
	if len(results) < total {
		return nil, ErrResultsNotReady
	}
	for _, r := range results {
		if r == "" {
			return nil, ErrResultsNotReady
		}
	}
	return &types.CombinedResults{
		ElectionID: electionID,
		Chunks:     total,
		Results:    results,
	}, nil
}

// startJob persists the job row and hands the chunk refs to the
// scheduler.
func (m *Manager) startJob(election *types.Election, op types.OperationKind, guardianID string, refs []scheduler.ChunkRef, extras scheduler.MessageExtras) (*types.Job, error) {
	job := &types.Job{
		ID:          uuid.New().String(),
		ElectionID:  election.ID,
		Operation:   op,
		State:       types.JobStatePending,
		GuardianID:  guardianID,
		TotalChunks: len(refs),
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}
	if err := m.sched.Register(job, refs, extras); err != nil {
		return nil, err
	}
	metrics.JobsCreated.WithLabelValues(string(op)).Inc()

	m.logger.Info().
		Str("election_id", election.ID).
		Str("job_id", job.ID).
		Str("operation", string(op)).
		Int("chunks", len(refs)).
		Msg("job started")
	return job, nil
}

func (m *Manager) getElection(id string) (*types.Election, error) {
	election, err := m.store.GetElection(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrInvalidInput, "election %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return election, nil
}

func (m *Manager) putExtras(electionID, guardianID string, extras scheduler.MessageExtras) {
	m.extrasMu.Lock()
	m.extras[electionID+"/"+guardianID] = extras
	m.extrasMu.Unlock()
}

func (m *Manager) extrasFor(electionID, guardianID string) (scheduler.MessageExtras, bool) {
	m.extrasMu.Lock()
	defer m.extrasMu.Unlock()
	extras, ok := m.extras[electionID+"/"+guardianID]
	return extras, ok
}

func (m *Manager) clearExtras(electionID, guardianID string) {
	m.extrasMu.Lock()
	delete(m.extras, electionID+"/"+guardianID)
	m.extrasMu.Unlock()
}

func chunkRefs(chunkIDs []string, targetID string) []scheduler.ChunkRef {
	refs := make([]scheduler.ChunkRef, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		refs = append(refs, scheduler.ChunkRef{ChunkID: id, TargetID: targetID})
	}
	return refs
}
