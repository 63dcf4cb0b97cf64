package planner

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mathrand "math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/civitas/tally/pkg/log"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/types"
)

var (
	// ErrNoBallots is returned when the election has no cast ballots.
	ErrNoBallots = errors.New("election has no cast ballots")

	// ErrAlreadyChunked is returned when chunk rows already exist for the
	// election. At most one chunking per election.
	ErrAlreadyChunked = errors.New("election is already chunked")
)

// Planner partitions an election's cast ballots into fixed-size chunks.
type Planner struct {
	store     storage.Store
	chunkSize int
}

// NewPlanner creates a planner with the given chunk size.
func NewPlanner(store storage.Store, chunkSize int) *Planner {
	return &Planner{
		store:     store,
		chunkSize: chunkSize,
	}
}

// Plan shuffles the election's cast ballots with a cryptographically
// seeded Fisher-Yates shuffle, slices them into ceil(count/chunkSize)
// contiguous chunks with dense ordinals, and persists the chunk rows and
// ballot assignments. Returns the chunk ids in ordinal order.
func (p *Planner) Plan(electionID string) ([]string, error) {
	var seedBytes [8]byte
	if _, err := rand.Read(seedBytes[:]); err != nil {
		return nil, errors.Wrap(err, "failed to draw shuffle seed")
	}
	seed := int64(binary.BigEndian.Uint64(seedBytes[:]))
	return p.planWithSeed(electionID, seed)
}

// planWithSeed is the deterministic body of Plan: the same seed over the
// same ballot set produces the same partition.
func (p *Planner) planWithSeed(electionID string, seed int64) ([]string, error) {
	count, err := p.store.CountCastBallots(electionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count cast ballots")
	}
	if count == 0 {
		return nil, ErrNoBallots
	}

	existing, err := p.store.CountChunksByElection(electionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check existing chunks")
	}
	if existing > 0 {
		return nil, ErrAlreadyChunked
	}

	ballotIDs, err := p.store.ListCastBallotIDs(electionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cast ballots")
	}
	// The count above is only a precheck. Partition bounds derive from
	// this single read, so a ballot cast in between still lands in a
	// chunk.
	count = len(ballotIDs)
	if count == 0 {
		return nil, ErrNoBallots
	}
	// Stable input order so the partition is a pure function of the seed.
	sort.Strings(ballotIDs)
	shuffle(ballotIDs, seed)

	numChunks := int(math.Ceil(float64(count) / float64(p.chunkSize)))
	chunks := make([]*types.Chunk, 0, numChunks)
	slices := make([][]string, 0, numChunks)
	for ordinal := 0; ordinal < numChunks; ordinal++ {
		lo := ordinal * p.chunkSize
		hi := lo + p.chunkSize
		if hi > count {
			hi = count
		}
		chunks = append(chunks, &types.Chunk{
			ID:         uuid.New().String(),
			ElectionID: electionID,
			Ordinal:    ordinal,
			CreatedAt:  time.Now(),
		})
		slices = append(slices, ballotIDs[lo:hi])
	}

	if err := p.store.InsertChunks(chunks); err != nil {
		return nil, errors.Wrap(err, "failed to insert chunks")
	}

	chunkIDs := make([]string, 0, numChunks)
	for i, chunk := range chunks {
		if err := p.store.AssignBallotsToChunk(chunk.ID, slices[i]); err != nil {
			return nil, errors.Wrapf(err, "failed to assign ballots to chunk %d", chunk.Ordinal)
		}
		chunkIDs = append(chunkIDs, chunk.ID)
	}

	logger := log.WithElection(electionID)
	logger.Info().
		Int("ballots", count).
		Int("chunks", numChunks).
		Int("chunk_size", p.chunkSize).
		Msg("election chunked")

	return chunkIDs, nil
}

// shuffle applies the Fisher-Yates shuffle so every permutation is
// equally likely given a uniform source.
func shuffle(ids []string, seed int64) {
	r := mathrand.New(mathrand.NewSource(seed))
	for i := len(ids) - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}
