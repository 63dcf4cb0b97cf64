package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/civitas/tally/pkg/broker"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/scheduler"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

// Lifecycle receives completion-side effects from workers. It is
// implemented by the manager; keeping it an interface here avoids an
// import cycle and keeps workers testable in isolation.
type Lifecycle interface {
	// TallyChunkCompleted fires after a chunk's encrypted tally is stored.
	TallyChunkCompleted(electionID, chunkID string)

	// TallyJobCompleted fires when the last tally chunk settles successfully.
	TallyJobCompleted(electionID, jobID string) error

	// PartialProgress reports partial-phase progress for a guardian.
	PartialProgress(electionID, guardianID string, processed, total int) error

	// PartialJobCompleted fires when a guardian's partial job completes;
	// the manager decides between finishing (quorum satisfied without
	// compensation) and opening the compensated phase.
	PartialJobCompleted(electionID, guardianID, jobID string) error

	// CompensatedProgress reports compensated-phase progress for a source
	// guardian, including the target currently being covered.
	CompensatedProgress(electionID, sourceID, targetID string, processed, total int) error

	// CompensatedJobCompleted fires when a source guardian has covered
	// every absent guardian on every chunk.
	CompensatedJobCompleted(electionID, sourceID, jobID string) error

	// CombineJobCompleted fires when every chunk has a plaintext result.
	CombineJobCompleted(electionID, jobID string) error

	// JobFailed fires when a job settles with at least one permanently
	// failed chunk.
	JobFailed(electionID string, op types.OperationKind, guardianID, jobID, errMsg string) error
}

// Pool runs the queue consumers. Each queue gets a fixed number of
// consumers, each holding at most one unacknowledged message.
type Pool struct {
	broker      *broker.Broker
	store       storage.Store
	crypto      *cryptoclient.Client
	sched       *scheduler.Scheduler
	lifecycle   Lifecycle
	concurrency int

	locks  lockMap
	logger zerolog.Logger

	g      *errgroup.Group
	cancel context.CancelFunc
}

// NewPool creates a worker pool consuming all four queues.
func NewPool(b *broker.Broker, store storage.Store, crypto *cryptoclient.Client, sched *scheduler.Scheduler, lifecycle Lifecycle, concurrency int) *Pool {
	return &Pool{
		broker:      b,
		store:       store,
		crypto:      crypto,
		sched:       sched,
		lifecycle:   lifecycle,
		concurrency: concurrency,
		locks:       newLockMap(),
		logger:      log.WithComponent("worker"),
	}
}

// Start launches the consumers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.g, ctx = errgroup.WithContext(ctx)

	for _, queue := range broker.Queues() {
		for i := 0; i < p.concurrency; i++ {
			queue := queue
			p.g.Go(func() error {
				return p.consumeLoop(ctx, queue)
			})
		}
	}
}

// Stop cancels the consumers and waits for in-flight chunks to finish.
func (p *Pool) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.g != nil {
		return p.g.Wait()
	}
	return nil
}

func (p *Pool) consumeLoop(ctx context.Context, queue string) error {
	consumer := p.broker.Subscribe(queue)
	for {
		delivery, err := consumer.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return err
		}
		p.handle(ctx, delivery)
	}
}

// handle processes one delivery end to end. The broker message is acked
// in every case: the scheduler owns retries by republishing, so a failed
// chunk comes back as a fresh message rather than a redelivery.
func (p *Pool) handle(ctx context.Context, delivery *broker.Delivery) {
	msg := delivery.Message
	ref := scheduler.ChunkRef{ChunkID: msg.ChunkID, TargetID: msg.TargetID}

	// Serialize redelivered copies of the same work item.
	release := p.locks.lock(msg.JobID + "/" + msg.ChunkID + "/" + msg.TargetID)
	defer release()

	p.sched.ReportChunkProcessing(msg.JobID, ref)

	if err := p.process(ctx, &msg); err != nil {
		p.logger.Error().Err(err).
			Str("job_id", msg.JobID).
			Str("chunk_id", msg.ChunkID).
			Str("operation", string(msg.Operation)).
			Msg("chunk processing failed")

		progress, repErr := p.sched.ReportChunkFailed(msg.JobID, ref, err.Error())
		if repErr != nil {
			p.logger.Error().Err(repErr).Str("job_id", msg.JobID).Msg("failed to report chunk failure")
		}
		if progress != nil && progress.Done() && progress.State == types.JobStateFailed {
			if err := p.lifecycle.JobFailed(msg.ElectionID, msg.Operation, msg.GuardianID, msg.JobID, err.Error()); err != nil {
				p.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("job failure side effects failed")
			}
		}
		p.ack(delivery)
		return
	}

	progress, err := p.sched.ReportChunkCompleted(msg.JobID, ref)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("failed to report chunk completion")
		p.ack(delivery)
		return
	}
	if err := p.completed(&msg, progress); err != nil {
		p.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("completion side effects failed")
	}
	p.ack(delivery)
}

func (p *Pool) ack(delivery *broker.Delivery) {
	if err := delivery.Ack(); err != nil {
		p.logger.Error().Err(err).Msg("failed to ack delivery")
	}
}

// process dispatches by operation kind.
func (p *Pool) process(ctx context.Context, msg *types.ChunkMessage) error {
	switch msg.Operation {
	case types.OperationTally:
		return p.processTally(ctx, msg)
	case types.OperationPartial:
		return p.processPartial(ctx, msg)
	case types.OperationCompensated:
		return p.processCompensated(ctx, msg)
	case types.OperationCombine:
		return p.processCombine(ctx, msg)
	}
	return errors.Errorf("unknown operation %q", msg.Operation)
}

// completed runs operation-specific completion side effects.
func (p *Pool) completed(msg *types.ChunkMessage, progress *types.JobProgress) error {
	switch msg.Operation {
	case types.OperationTally:
		p.lifecycle.TallyChunkCompleted(msg.ElectionID, msg.ChunkID)
		if progress.Done() && progress.State == types.JobStateCompleted {
			return p.lifecycle.TallyJobCompleted(msg.ElectionID, msg.JobID)
		}
	case types.OperationPartial:
		if err := p.lifecycle.PartialProgress(msg.ElectionID, msg.GuardianID, progress.Processed, progress.Total); err != nil {
			return err
		}
		if progress.Done() && progress.State == types.JobStateCompleted {
			return p.lifecycle.PartialJobCompleted(msg.ElectionID, msg.GuardianID, msg.JobID)
		}
	case types.OperationCompensated:
		if err := p.lifecycle.CompensatedProgress(msg.ElectionID, msg.GuardianID, msg.TargetID, progress.Processed, progress.Total); err != nil {
			return err
		}
		if progress.Done() && progress.State == types.JobStateCompleted {
			return p.lifecycle.CompensatedJobCompleted(msg.ElectionID, msg.GuardianID, msg.JobID)
		}
	case types.OperationCombine:
		if progress.Done() && progress.State == types.JobStateCompleted {
			return p.lifecycle.CombineJobCompleted(msg.ElectionID, msg.JobID)
		}
	}
	return nil
}

// lockMap hands out per-key mutexes and prunes entries when the last
// holder releases.
type lockMap struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockMap() lockMap {
	return lockMap{entries: make(map[string]*lockEntry)}
}

func (lm *lockMap) lock(key string) func() {
	lm.mu.Lock()
	entry, ok := lm.entries[key]
	if !ok {
		entry = &lockEntry{}
		lm.entries[key] = entry
	}
	entry.refs++
	lm.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		lm.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(lm.entries, key)
		}
		lm.mu.Unlock()
	}
}
