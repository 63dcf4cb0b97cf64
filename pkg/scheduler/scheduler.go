package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/civitas/tally/pkg/broker"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/metrics"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

// ChunkState is the scheduler-local state of one chunk descriptor.
type ChunkState string

const (
	ChunkPending    ChunkState = "PENDING"
	ChunkQueued     ChunkState = "QUEUED"
	ChunkProcessing ChunkState = "PROCESSING"
	ChunkCompleted  ChunkState = "COMPLETED"
	ChunkFailed     ChunkState = "FAILED"
)

func (s ChunkState) terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Publisher hands serialized chunk messages to the work queues.
type Publisher interface {
	Publish(queue string, msg *types.ChunkMessage) error
}

// ChunkRef identifies one unit of dispatch. TargetID is set only for
// compensated jobs, where each chunk fans out once per absent guardian.
type ChunkRef struct {
	ChunkID  string
	TargetID string
}

// MessageExtras carries the operation-specific message fields shared by
// every chunk of a job instance.
type MessageExtras struct {
	GuardianID     string
	GuardianSecret string
	BackupDigest   string
}

// chunkRecord tracks dispatch state and the retry budget of one ChunkRef.
type chunkRecord struct {
	ref       ChunkRef
	state     ChunkState
	retries   int
	notBefore time.Time
	lastErr   string
}

// JobInstance is the in-memory dispatch view of one active job.
type JobInstance struct {
	JobID      string
	ElectionID string
	Operation  types.OperationKind
	queue      string
	extras     MessageExtras
	chunks     []*chunkRecord
}

func (ji *JobInstance) allTerminal() bool {
	for _, c := range ji.chunks {
		if !c.state.terminal() {
			return false
		}
	}
	return true
}

// Options tunes the dispatch loop.
type Options struct {
	TickInterval time.Duration
	MaxRetries   int
	Backoffs     []time.Duration
}

// Scheduler is the fair round-robin dispatcher: one singleton per
// process, publishing at most one chunk per active job per tick so no job
// can starve another. Registration order is iteration order, which makes
// the pick sequence reproducible.
type Scheduler struct {
	mu        sync.Mutex
	instances []*JobInstance // insertion order
	byID      map[string]*JobInstance
	rrIndex   int

	opts  Options
	store storage.Store
	pub   Publisher
	now   func() time.Time

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewScheduler creates a scheduler. Start begins the tick loop.
func NewScheduler(store storage.Store, pub Publisher, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		byID:   make(map[string]*JobInstance),
		opts:   opts,
		store:  store,
		pub:    pub,
		now:    time.Now,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("scheduler"),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the dispatch loop. Registered instances are abandoned;
// in-flight chunks settle through the durable job rows.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			s.tick()
			metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds())
		case <-s.stopCh:
			return
		}
	}
}

// Register adds a job instance with one chunk record per ref, all
// PENDING. Chunks dispatch in ref order.
func (s *Scheduler) Register(job *types.Job, refs []ChunkRef, extras MessageExtras) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[job.ID]; exists {
		return errors.Errorf("job %s is already registered", job.ID)
	}

	inst := &JobInstance{
		JobID:      job.ID,
		ElectionID: job.ElectionID,
		Operation:  job.Operation,
		queue:      broker.QueueFor(job.Operation),
		extras:     extras,
		chunks:     make([]*chunkRecord, 0, len(refs)),
	}
	for _, ref := range refs {
		inst.chunks = append(inst.chunks, &chunkRecord{ref: ref, state: ChunkPending})
	}

	s.instances = append(s.instances, inst)
	s.byID[job.ID] = inst
	metrics.ActiveJobs.Set(float64(len(s.instances)))

	s.logger.Info().
		Str("job_id", job.ID).
		Str("election_id", job.ElectionID).
		Str("operation", string(job.Operation)).
		Int("chunks", len(refs)).
		Msg("job registered")
	return nil
}

// Active reports whether the job still has a registered instance.
func (s *Scheduler) Active(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[jobID]
	return ok
}

// ActiveJobs returns the number of registered instances.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// tick performs one dispatch cycle: starting at rrIndex mod n, visit
// every instance once and publish at most one PENDING chunk for each.
// Instances with nothing eligible are skipped silently, and instances
// whose chunks have all settled are dropped from the registry.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.instances)
	if n == 0 {
		return
	}

	now := s.now()
	start := s.rrIndex % n
	for i := 0; i < n; i++ {
		inst := s.instances[(start+i)%n]
		rec := pickPending(inst, now)
		if rec == nil {
			continue
		}

		rec.state = ChunkQueued
		msg := s.buildMessage(inst, rec)
		if err := s.pub.Publish(inst.queue, msg); err != nil {
			// Leave the chunk eligible; the next tick retries the publish.
			rec.state = ChunkPending
			s.logger.Error().Err(err).
				Str("job_id", inst.JobID).
				Str("chunk_id", rec.ref.ChunkID).
				Msg("failed to publish chunk")
		}
	}
	s.rrIndex++

	s.removeFinishedLocked()
}

// pickPending returns the first dispatchable chunk, honoring retry
// backoff. Retried chunks keep their original list position so the pick
// sequence stays reproducible.
func pickPending(inst *JobInstance, now time.Time) *chunkRecord {
	for _, rec := range inst.chunks {
		if rec.state == ChunkPending && !now.Before(rec.notBefore) {
			return rec
		}
	}
	return nil
}

func (s *Scheduler) removeFinishedLocked() {
	kept := s.instances[:0]
	for _, inst := range s.instances {
		if inst.allTerminal() {
			delete(s.byID, inst.JobID)
			s.logger.Info().
				Str("job_id", inst.JobID).
				Str("operation", string(inst.Operation)).
				Msg("job instance drained")
			continue
		}
		kept = append(kept, inst)
	}
	s.instances = kept
	metrics.ActiveJobs.Set(float64(len(s.instances)))
}

func (s *Scheduler) buildMessage(inst *JobInstance, rec *chunkRecord) *types.ChunkMessage {
	return &types.ChunkMessage{
		JobID:          inst.JobID,
		ChunkID:        rec.ref.ChunkID,
		Operation:      inst.Operation,
		ElectionID:     inst.ElectionID,
		GuardianID:     inst.extras.GuardianID,
		TargetID:       rec.ref.TargetID,
		GuardianSecret: inst.extras.GuardianSecret,
		BackupDigest:   inst.extras.BackupDigest,
	}
}

// ReportChunkProcessing transitions QUEUED -> PROCESSING.
func (s *Scheduler) ReportChunkProcessing(jobID string, ref ChunkRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findLocked(jobID, ref)
	if rec == nil {
		return
	}
	if rec.state == ChunkQueued {
		rec.state = ChunkProcessing
	}
}

// ReportChunkCompleted transitions PROCESSING -> COMPLETED and increments
// the durable job progress exactly once per chunk: a redelivered copy
// that reports completion a second time observes the COMPLETED state and
// gets the current progress without another increment.
func (s *Scheduler) ReportChunkCompleted(jobID string, ref ChunkRef) (*types.JobProgress, error) {
	s.mu.Lock()
	rec := s.findLocked(jobID, ref)
	if rec == nil || rec.state == ChunkCompleted {
		s.mu.Unlock()
		return s.progressOf(jobID)
	}
	rec.state = ChunkCompleted
	op := s.byID[jobID].Operation
	s.mu.Unlock()

	metrics.ChunksProcessed.WithLabelValues(string(op)).Inc()
	progress, err := s.store.IncrementJobProgress(jobID, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to increment job progress")
	}
	if progress.State.Terminal() {
		metrics.JobsCompleted.WithLabelValues(string(op), string(progress.State)).Inc()
	}
	return progress, nil
}

// ReportChunkFailed charges the chunk's retry budget. Within budget the
// chunk returns to PENDING with exponential backoff and is re-dispatched;
// past it the chunk is permanently FAILED and the durable failed counter
// advances. The returned progress is nil while a retry is still pending.
func (s *Scheduler) ReportChunkFailed(jobID string, ref ChunkRef, errMsg string) (*types.JobProgress, error) {
	s.mu.Lock()
	rec := s.findLocked(jobID, ref)
	if rec == nil || rec.state.terminal() {
		s.mu.Unlock()
		return nil, nil
	}

	rec.retries++
	rec.lastErr = errMsg
	op := s.byID[jobID].Operation

	if rec.retries <= s.opts.MaxRetries {
		attempt := rec.retries
		idx := attempt
		if idx > len(s.opts.Backoffs) {
			idx = len(s.opts.Backoffs)
		}
		backoff := s.opts.Backoffs[idx-1]
		rec.state = ChunkPending
		rec.notBefore = s.now().Add(backoff)
		s.mu.Unlock()

		metrics.ChunkRetries.Inc()
		s.logger.Warn().
			Str("job_id", jobID).
			Str("chunk_id", ref.ChunkID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("error", errMsg).
			Msg("chunk failed, retrying")
		return nil, nil
	}

	rec.state = ChunkFailed
	s.mu.Unlock()

	metrics.ChunksFailed.WithLabelValues(string(op)).Inc()
	s.logger.Error().
		Str("job_id", jobID).
		Str("chunk_id", ref.ChunkID).
		Str("error", errMsg).
		Msg("chunk exhausted its retries, permanently failed")

	// Record the chunk's error on the job row while it is still live;
	// the terminal transition below keeps the message.
	if err := s.store.MarkJobState(jobID, types.JobStateInProgress, errMsg); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to record job error")
	}

	progress, err := s.store.IncrementJobProgress(jobID, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to increment failed count")
	}
	if progress.State.Terminal() {
		metrics.JobsCompleted.WithLabelValues(string(op), string(progress.State)).Inc()
	}
	return progress, nil
}

func (s *Scheduler) findLocked(jobID string, ref ChunkRef) *chunkRecord {
	inst, ok := s.byID[jobID]
	if !ok {
		return nil
	}
	for _, rec := range inst.chunks {
		if rec.ref == ref {
			return rec
		}
	}
	return nil
}

func (s *Scheduler) progressOf(jobID string) (*types.JobProgress, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return &types.JobProgress{
		JobID:     job.ID,
		Total:     job.TotalChunks,
		Processed: job.ProcessedChunks,
		Failed:    job.FailedChunks,
		State:     job.State,
	}, nil
}

