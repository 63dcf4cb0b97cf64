package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/metrics"
	"github.com/civitas/tally/pkg/types"
)

// One durable queue per operation kind.
const (
	QueueTally       = "tally"
	QueuePartial     = "partial"
	QueueCompensated = "compensated"
	QueueCombine     = "combine"
)

// Queues returns all queue names.
func Queues() []string {
	return []string{QueueTally, QueuePartial, QueueCompensated, QueueCombine}
}

// QueueFor routes an operation kind to its queue.
func QueueFor(op types.OperationKind) string {
	switch op {
	case types.OperationTally:
		return QueueTally
	case types.OperationPartial:
		return QueuePartial
	case types.OperationCompensated:
		return QueueCompensated
	case types.OperationCombine:
		return QueueCombine
	}
	return ""
}

var (
	// ErrQueueFull is returned when a queue is at its max length.
	ErrQueueFull = errors.New("queue is full")

	// ErrClosed is returned once the broker has been closed.
	ErrClosed = errors.New("broker is closed")

	// ErrUnacked is returned when a consumer requests a second message
	// while one is still unacknowledged. Prefetch is fixed at 1.
	ErrUnacked = errors.New("consumer holds an unacknowledged message")
)

var bucketDeadLetter = []byte("deadletter")

// Options holds queue limits shared by all queues.
type Options struct {
	// TTL is the per-message time to live. Expired messages are
	// dead-lettered instead of delivered.
	TTL time.Duration

	// MaxLength caps the number of enqueued messages per queue.
	MaxLength int
}

// message is the durable envelope around a serialized ChunkMessage.
type message struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`

	key      []byte // bolt key, not serialized
	inflight bool
}

// DeadLetter records a message that expired before delivery.
type DeadLetter struct {
	Queue        string          `json:"queue"`
	Body         json.RawMessage `json:"body"`
	Reason       string          `json:"reason"`
	DeadLettered time.Time       `json:"deadLettered"`
}

// Broker is an embedded durable message broker backed by BoltDB. Messages
// survive restarts; in-memory queue state is rebuilt from disk on open.
// Consumers hold at most one unacknowledged message each (prefetch 1),
// which is what keeps the scheduler's fairness guarantee intact: a single
// worker can never drain a queue between dispatch ticks.
type Broker struct {
	db   *bolt.DB
	opts Options

	mu     sync.Mutex
	queues map[string]*queueState
	closed bool
}

type queueState struct {
	msgs   []*message
	notify chan struct{}
}

// NewBroker opens (or creates) the queue database under dataDir and
// restores any messages persisted by a previous run.
func NewBroker(dataDir string, opts Options) (*Broker, error) {
	dbPath := filepath.Join(dataDir, "queues.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open queue database")
	}

	b := &Broker{
		db:     db,
		opts:   opts,
		queues: make(map[string]*queueState),
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDeadLetter); err != nil {
			return err
		}
		for _, q := range Queues() {
			bucket, err := tx.CreateBucketIfNotExists([]byte(q))
			if err != nil {
				return err
			}
			qs := &queueState{notify: make(chan struct{}, 1)}
			if err := bucket.ForEach(func(k, v []byte) error {
				var msg message
				if err := json.Unmarshal(v, &msg); err != nil {
					return err
				}
				msg.key = append([]byte(nil), k...)
				qs.msgs = append(qs.msgs, &msg)
				return nil
			}); err != nil {
				return err
			}
			b.queues[q] = qs
			metrics.QueueDepth.WithLabelValues(q).Set(float64(len(qs.msgs)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

// Close stops the broker. Consumers blocked in Next return ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	for _, qs := range b.queues {
		select {
		case qs.notify <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	return b.db.Close()
}

// Publish appends a chunk message to the named queue with durable-queue
// semantics: the message is on disk before Publish returns.
func (b *Broker) Publish(queue string, msg *types.ChunkMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to serialize chunk message")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	qs, ok := b.queues[queue]
	if !ok {
		return errors.Errorf("unknown queue %q", queue)
	}
	if b.opts.MaxLength > 0 && len(qs.msgs) >= b.opts.MaxLength {
		return ErrQueueFull
	}

	now := time.Now()
	stored := &message{
		ID:         uuid.New().String(),
		Queue:      queue,
		Body:       body,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(b.opts.TTL),
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		stored.key = key[:]
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return bucket.Put(stored.key, data)
	})
	if err != nil {
		return errors.Wrap(err, "failed to persist message")
	}

	qs.msgs = append(qs.msgs, stored)
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(len(qs.msgs)))

	select {
	case qs.notify <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of enqueued (undelivered or unacked) messages.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queues[queue]
	if !ok {
		return 0
	}
	return len(qs.msgs)
}

// DeadLetters returns every dead-lettered message, oldest first.
func (b *Broker) DeadLetters() ([]*DeadLetter, error) {
	var letters []*DeadLetter
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(k, v []byte) error {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return letters, nil
}

// Subscribe creates a consumer for the named queue. Each consumer may
// hold at most one unacknowledged delivery at a time.
func (b *Broker) Subscribe(queue string) *Consumer {
	return &Consumer{broker: b, queue: queue}
}

// Consumer is a prefetch-1 subscription to a single queue.
type Consumer struct {
	broker   *Broker
	queue    string
	inflight *Delivery
}

// Next blocks until a message is available, the context is cancelled, or
// the broker is closed. The returned delivery must be Acked or Nacked
// before Next may be called again.
func (c *Consumer) Next(ctx context.Context) (*Delivery, error) {
	if c.inflight != nil {
		return nil, ErrUnacked
	}

	for {
		d, notify, err := c.broker.tryDequeue(c.queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			d.consumer = c
			c.inflight = d
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-time.After(50 * time.Millisecond):
			// Re-scan periodically so TTL expiry is noticed even on an
			// otherwise idle queue.
		}
	}
}

// tryDequeue returns the first deliverable message, dead-lettering any
// expired ones it walks past.
func (b *Broker) tryDequeue(queue string) (*Delivery, chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}
	qs, ok := b.queues[queue]
	if !ok {
		return nil, nil, errors.Errorf("unknown queue %q", queue)
	}

	now := time.Now()
	kept := qs.msgs[:0]
	var picked *message
	for _, msg := range qs.msgs {
		if picked == nil && !msg.inflight && now.After(msg.ExpiresAt) {
			if err := b.deadLetterLocked(msg, "ttl-expired"); err != nil {
				logger := log.WithComponent("broker")
				logger.Error().Err(err).Msg("failed to dead-letter expired message")
				kept = append(kept, msg)
			}
			continue
		}
		if picked == nil && !msg.inflight {
			msg.inflight = true
			picked = msg
		}
		kept = append(kept, msg)
	}
	qs.msgs = kept
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(len(qs.msgs)))

	if picked == nil {
		return nil, qs.notify, nil
	}

	var body types.ChunkMessage
	if err := json.Unmarshal(picked.Body, &body); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode chunk message")
	}
	return &Delivery{Message: body, msg: picked, broker: b}, nil, nil
}

func (b *Broker) deadLetterLocked(msg *message, reason string) error {
	metrics.DeadLetters.WithLabelValues(msg.Queue).Inc()
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(msg.Queue)).Delete(msg.key); err != nil {
			return err
		}
		dl := &DeadLetter{
			Queue:        msg.Queue,
			Body:         msg.Body,
			Reason:       reason,
			DeadLettered: time.Now(),
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		dlb := tx.Bucket(bucketDeadLetter)
		seq, err := dlb.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return dlb.Put(key[:], data)
	})
}

// Delivery is one in-flight message held by a consumer.
type Delivery struct {
	Message types.ChunkMessage

	msg      *message
	broker   *Broker
	consumer *Consumer
}

// Ack removes the message from the queue permanently.
func (d *Delivery) Ack() error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(d.msg.Queue)).Delete(d.msg.key)
	})
	if err != nil {
		return errors.Wrap(err, "failed to ack message")
	}

	qs := b.queues[d.msg.Queue]
	for i, msg := range qs.msgs {
		if msg == d.msg {
			qs.msgs = append(qs.msgs[:i], qs.msgs[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.WithLabelValues(d.msg.Queue).Set(float64(len(qs.msgs)))
	d.consumer.inflight = nil
	return nil
}

// Nack returns the message to the queue at its original position for
// redelivery.
func (d *Delivery) Nack() error {
	b := d.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	d.msg.inflight = false
	d.consumer.inflight = nil

	qs := b.queues[d.msg.Queue]
	select {
	case qs.notify <- struct{}{}:
	default:
	}
	return nil
}
