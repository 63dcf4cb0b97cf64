package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/tally/pkg/audit"
	"github.com/civitas/tally/pkg/broker"
	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/planner"
	"github.com/civitas/tally/pkg/scheduler"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/tracker"
	"github.com/civitas/tally/pkg/types"
	"github.com/civitas/tally/pkg/worker"
)

// fakeCryptoService stands in for the external crypto microservice.
func fakeCryptoService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(cryptoclient.EndpointTally, func(w http.ResponseWriter, r *http.Request) {
		var req cryptoclient.TallyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(cryptoclient.TallyResponse{
			EncryptedTally: fmt.Sprintf("agg-%d", len(req.Ciphertexts)),
		})
	})
	mux.HandleFunc(cryptoclient.EndpointPartialDecrypt, func(w http.ResponseWriter, r *http.Request) {
		var req cryptoclient.PartialDecryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Secret)
		json.NewEncoder(w).Encode(cryptoclient.PartialDecryptResponse{Share: "partial-share"})
	})
	mux.HandleFunc(cryptoclient.EndpointCompensate, func(w http.ResponseWriter, r *http.Request) {
		var req cryptoclient.CompensateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Secret)
		json.NewEncoder(w).Encode(cryptoclient.CompensateResponse{Share: "compensated-share"})
	})
	mux.HandleFunc(cryptoclient.EndpointCombine, func(w http.ResponseWriter, r *http.Request) {
		var req cryptoclient.CombineRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(cryptoclient.CombineResponse{
			Result: json.RawMessage(`{"yes":12,"no":3}`),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	store storage.Store
	mgr   *Manager
}

func newHarness(t *testing.T, cryptoURL string) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	brk, err := broker.NewBroker(dir, broker.Options{TTL: time.Hour, MaxLength: 10000})
	require.NoError(t, err)

	sched := scheduler.NewScheduler(store, brk, scheduler.Options{
		TickInterval: 5 * time.Millisecond,
		MaxRetries:   2,
		Backoffs:     []time.Duration{5 * time.Millisecond, 10 * time.Millisecond},
	})

	crypto := cryptoclient.NewClient(cryptoclient.Config{
		BaseURL:         cryptoURL,
		MaxTotal:        20,
		MaxPerHost:      10,
		ConnTTL:         time.Minute,
		IdleValidation:  10 * time.Second,
		AcquireTimeout:  5 * time.Second,
		ResponseTimeout: 10 * time.Second,
	})

	plan := planner.NewPlanner(store, 2)
	trk := tracker.NewTracker(store, credentials.NewUnsealer())
	mgr := NewManager(store, plan, sched, trk, crypto, audit.NopSink{})
	pool := worker.NewPool(brk, store, crypto, sched, mgr, 2)

	sched.Start()
	pool.Start(context.Background())

	t.Cleanup(func() {
		sched.Stop()
		pool.Stop()
		brk.Close()
		crypto.Close()
		store.Close()
	})
	return &harness{store: store, mgr: mgr}
}

func testElection(t *testing.T) (*types.Election, []byte) {
	t.Helper()
	sealed1, blob1, err := credentials.SealShare("g1", []byte("share-of-g1"))
	require.NoError(t, err)
	sealed2, _, err := credentials.SealShare("g2", []byte("share-of-g2"))
	require.NoError(t, err)

	return &types.Election{
		ID:            "e1",
		Name:          "Referendum 2026",
		CryptoContext: "params",
		Quorum:        1,
		Ended:         true,
		Guardians: []*types.Guardian{
			{ID: "g1", Name: "Alice", SequenceOrder: 1, SealedShare: sealed1, BackupDigest: "digest-1"},
			{ID: "g2", Name: "Bob", SequenceOrder: 2, SealedShare: sealed2, BackupDigest: "digest-2"},
		},
	}, blob1
}

func seedBallots(t *testing.T, store storage.Store, electionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveBallot(&types.Ballot{
			ID:         fmt.Sprintf("ballot-%03d", i),
			ElectionID: electionID,
			Status:     types.BallotStatusCast,
			Ciphertext: fmt.Sprintf("ct-%03d", i),
		}))
	}
}

func waitJobState(t *testing.T, h *harness, jobID string, want types.JobState) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, err := h.mgr.JobStatus(jobID)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestFullPipelineWithAbsentGuardian(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	election, blob1 := testElection(t)
	require.NoError(t, h.mgr.CreateElection(election))
	seedBallots(t, h.store, "e1", 5)

	_, err := h.mgr.CachedResults("e1")
	assert.True(t, errors.Is(err, ErrResultsNotReady))

	// Tally: 5 ballots at chunk size 2 make 3 chunks.
	tallyJob, err := h.mgr.CreateTallyJob("e1")
	require.NoError(t, err)
	assert.Equal(t, 3, tallyJob.TotalChunks)
	waitJobState(t, h, tallyJob.ID, types.JobStateCompleted)

	// Repeating the request resolves to the same job.
	again, err := h.mgr.CreateTallyJob("e1")
	require.NoError(t, err)
	assert.Equal(t, tallyJob.ID, again.ID)

	// Combine is rejected until quorum is met.
	_, err = h.mgr.CombineDecryption("e1")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	// Guardian g1 submits; g2 never shows up, so g1's partial phase is
	// followed by a compensated phase covering g2 on every chunk.
	status, partialJob, err := h.mgr.InitiateDecryption("e1", blob1)
	require.NoError(t, err)
	assert.Equal(t, 3, partialJob.TotalChunks)
	assert.Equal(t, types.DecryptionStateInProgress, status.State)

	require.Eventually(t, func() bool {
		st, err := h.mgr.DecryptionStatus("e1", "g1")
		return err == nil && st.State == types.DecryptionStateCompleted && st.Phase == types.PhaseCompleted
	}, 10*time.Second, 10*time.Millisecond, "guardian g1 never completed")

	updated, err := h.store.GetElection("e1")
	require.NoError(t, err)
	assert.True(t, updated.GuardianByID("g1").Decrypted)
	assert.False(t, updated.GuardianByID("g2").Decrypted)

	compJob, err := h.store.FindJob("e1", types.OperationCompensated, "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, compJob.TotalChunks, "one compensated chunk per (chunk, absent guardian)")
	assert.Equal(t, types.JobStateCompleted, compJob.State)

	// Every chunk carries g1's partial share and g1's compensation for g2.
	chunkIDs, err := h.store.FindChunkIDsByElection("e1")
	require.NoError(t, err)
	for _, chunkID := range chunkIDs {
		partials, err := h.store.LoadPartialSharesForChunk(chunkID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"g1": "partial-share"}, partials)

		comps, err := h.store.LoadCompensatedSharesForChunk(chunkID)
		require.NoError(t, err)
		assert.Equal(t, map[types.SharePair]string{{Source: "g1", Target: "g2"}: "compensated-share"}, comps)
	}

	// A second submission from g1 surfaces the completed state.
	_, _, err = h.mgr.InitiateDecryption("e1", blob1)
	var dup *tracker.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, types.DecryptionStateCompleted, dup.Status.State)

	// Combine and read the results.
	combineJob, err := h.mgr.CombineDecryption("e1")
	require.NoError(t, err)
	waitJobState(t, h, combineJob.ID, types.JobStateCompleted)

	require.Eventually(t, func() bool {
		_, err := h.mgr.CachedResults("e1")
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	results, err := h.mgr.CachedResults("e1")
	require.NoError(t, err)
	assert.Equal(t, 3, results.Chunks)
	require.Len(t, results.Results, 3)
	for _, r := range results.Results {
		assert.JSONEq(t, `{"yes":12,"no":3}`, r)
	}
}

func TestSingleGuardianSkipsCompensation(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	sealed, blob, err := credentials.SealShare("solo", []byte("share-of-solo"))
	require.NoError(t, err)
	require.NoError(t, h.mgr.CreateElection(&types.Election{
		ID: "e1", Name: "Single guardian", CryptoContext: "params",
		Quorum: 1, Ended: true,
		Guardians: []*types.Guardian{
			{ID: "solo", Name: "Ada", SequenceOrder: 1, SealedShare: sealed, BackupDigest: "digest-solo"},
		},
	}))
	seedBallots(t, h.store, "e1", 4)

	tallyJob, err := h.mgr.CreateTallyJob("e1")
	require.NoError(t, err)
	waitJobState(t, h, tallyJob.ID, types.JobStateCompleted)

	status, partialJob, err := h.mgr.InitiateDecryption("e1", blob)
	require.NoError(t, err)
	assert.Equal(t, types.DecryptionStateInProgress, status.State)
	assert.Equal(t, 2, partialJob.TotalChunks)

	// With no other guardian to cover, the partial phase settles the
	// guardian directly.
	require.Eventually(t, func() bool {
		st, err := h.mgr.DecryptionStatus("e1", "solo")
		return err == nil && st.State == types.DecryptionStateCompleted && st.Phase == types.PhaseCompleted
	}, 10*time.Second, 10*time.Millisecond, "guardian never completed")

	_, err = h.store.FindJob("e1", types.OperationCompensated, "solo")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "no compensated job is ever opened")

	updated, err := h.store.GetElection("e1")
	require.NoError(t, err)
	assert.True(t, updated.GuardianByID("solo").Decrypted)

	st, err := h.mgr.DecryptionStatus("e1", "solo")
	require.NoError(t, err)
	assert.Zero(t, st.TotalGuardians)
	assert.Equal(t, st.TotalChunks, st.ProcessedChunks)
}

func TestInitiateDecryptionRejectsBadCredential(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	election, _ := testElection(t)
	require.NoError(t, h.mgr.CreateElection(election))
	seedBallots(t, h.store, "e1", 2)

	tallyJob, err := h.mgr.CreateTallyJob("e1")
	require.NoError(t, err)
	waitJobState(t, h, tallyJob.ID, types.JobStateCompleted)

	_, _, err = h.mgr.InitiateDecryption("e1", []byte("not a credential"))
	assert.True(t, errors.Is(err, credentials.ErrInvalidCredential))

	// A wrong guardian's credential fails against g1's sealed share too.
	_, blob, err := credentials.SealShare("g1", []byte("forged"))
	require.NoError(t, err)
	_, _, err = h.mgr.InitiateDecryption("e1", blob)
	assert.True(t, errors.Is(err, credentials.ErrInvalidCredential))
}

func TestInitiateDecryptionRequiresCompletedTally(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	election, blob1 := testElection(t)
	require.NoError(t, h.mgr.CreateElection(election))
	seedBallots(t, h.store, "e1", 2)

	_, _, err := h.mgr.InitiateDecryption("e1", blob1)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestCreateTallyJobPreconditions(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	_, err := h.mgr.CreateTallyJob("missing")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	open := &types.Election{
		ID: "open", Name: "Open", Quorum: 1,
		Guardians: []*types.Guardian{{ID: "g1"}},
	}
	require.NoError(t, h.mgr.CreateElection(open))
	_, err = h.mgr.CreateTallyJob("open")
	assert.True(t, errors.Is(err, ErrInvalidInput))

	ended := &types.Election{
		ID: "empty", Name: "Empty", Quorum: 1, Ended: true,
		Guardians: []*types.Guardian{{ID: "g1"}},
	}
	require.NoError(t, h.mgr.CreateElection(ended))
	_, err = h.mgr.CreateTallyJob("empty")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestCreateElectionValidation(t *testing.T) {
	srv := fakeCryptoService(t)
	h := newHarness(t, srv.URL)

	err := h.mgr.CreateElection(&types.Election{Name: "No guardians", Quorum: 1})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	err = h.mgr.CreateElection(&types.Election{
		Name: "Bad quorum", Quorum: 3,
		Guardians: []*types.Guardian{{ID: "g1"}, {ID: "g2"}},
	})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestTallyJobFailsWhenCryptoServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "crypto backend down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, srv.URL)

	election, _ := testElection(t)
	require.NoError(t, h.mgr.CreateElection(election))
	seedBallots(t, h.store, "e1", 3)

	tallyJob, err := h.mgr.CreateTallyJob("e1")
	require.NoError(t, err)

	job := waitJobState(t, h, tallyJob.ID, types.JobStateFailed)
	assert.Equal(t, job.TotalChunks, job.FailedChunks)
	assert.Zero(t, job.ProcessedChunks)
	assert.NotEmpty(t, job.Error)
}
