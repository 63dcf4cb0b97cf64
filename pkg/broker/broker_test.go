package broker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/tally/pkg/types"
)

func newTestBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	b, err := NewBroker(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func chunkMsg(jobID, chunkID string) *types.ChunkMessage {
	return &types.ChunkMessage{
		JobID:      jobID,
		ChunkID:    chunkID,
		Operation:  types.OperationTally,
		ElectionID: "e1",
	}
}

func TestQueueForRoutesEveryOperation(t *testing.T) {
	assert.Equal(t, QueueTally, QueueFor(types.OperationTally))
	assert.Equal(t, QueuePartial, QueueFor(types.OperationPartial))
	assert.Equal(t, QueueCompensated, QueueFor(types.OperationCompensated))
	assert.Equal(t, QueueCombine, QueueFor(types.OperationCombine))
}

func TestPublishConsumeAck(t *testing.T) {
	b := newTestBroker(t, Options{})

	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c1")))
	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c2")))
	assert.Equal(t, 2, b.Depth(QueueTally))

	consumer := b.Subscribe(QueueTally)
	ctx := context.Background()

	d1, err := consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", d1.Message.ChunkID)

	require.NoError(t, d1.Ack())
	assert.Equal(t, 1, b.Depth(QueueTally))

	d2, err := consumer.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c2", d2.Message.ChunkID)
	require.NoError(t, d2.Ack())
	assert.Equal(t, 0, b.Depth(QueueTally))
}

func TestPrefetchOne(t *testing.T) {
	b := newTestBroker(t, Options{})

	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c1")))
	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c2")))

	consumer := b.Subscribe(QueueTally)
	d, err := consumer.Next(context.Background())
	require.NoError(t, err)

	// A second Next while one delivery is unacked is a contract violation.
	_, err = consumer.Next(context.Background())
	assert.True(t, errors.Is(err, ErrUnacked))

	require.NoError(t, d.Ack())
	d2, err := consumer.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c2", d2.Message.ChunkID)
}

func TestNackRequeuesAtOriginalPosition(t *testing.T) {
	b := newTestBroker(t, Options{})

	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c1")))
	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c2")))

	consumer := b.Subscribe(QueueTally)
	d, err := consumer.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", d.Message.ChunkID)

	require.NoError(t, d.Nack())

	d, err = consumer.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", d.Message.ChunkID, "nacked message is redelivered first")
}

func TestMessagesSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBroker(dir, Options{TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, b.Publish(QueuePartial, chunkMsg("j1", "c1")))
	require.NoError(t, b.Close())

	reopened, err := NewBroker(dir, Options{TTL: time.Hour})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Depth(QueuePartial))
	d, err := reopened.Subscribe(QueuePartial).Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c1", d.Message.ChunkID)
	require.NoError(t, d.Ack())
}

func TestAckedMessagesDoNotSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	b, err := NewBroker(dir, Options{TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c1")))

	d, err := b.Subscribe(QueueTally).Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Ack())
	require.NoError(t, b.Close())

	reopened, err := NewBroker(dir, Options{TTL: time.Hour})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 0, reopened.Depth(QueueTally))
}

func TestQueueFull(t *testing.T) {
	b := newTestBroker(t, Options{MaxLength: 1})

	require.NoError(t, b.Publish(QueueTally, chunkMsg("j1", "c1")))
	err := b.Publish(QueueTally, chunkMsg("j1", "c2"))
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestExpiredMessagesDeadLetter(t *testing.T) {
	b := newTestBroker(t, Options{TTL: 10 * time.Millisecond})

	require.NoError(t, b.Publish(QueueCombine, chunkMsg("j1", "c1")))
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := b.Subscribe(QueueCombine).Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	assert.Equal(t, 0, b.Depth(QueueCombine))
	letters, err := b.DeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, QueueCombine, letters[0].Queue)
	assert.Equal(t, "ttl-expired", letters[0].Reason)
}

func TestNextReturnsClosedAfterClose(t *testing.T) {
	b, err := NewBroker(t.TempDir(), Options{TTL: time.Hour})
	require.NoError(t, err)

	consumer := b.Subscribe(QueueTally)
	require.NoError(t, b.Close())

	_, err = consumer.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
}
