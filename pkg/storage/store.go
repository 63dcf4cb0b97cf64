package storage

import (
	"github.com/pkg/errors"

	"github.com/civitas/tally/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the typed persistence interface of the orchestration core.
//
// Every method runs in its own short transaction; no transaction spans
// chunks. Reads that feed chunk processing are projections returning only
// scalar columns (ids, ciphertext strings, counts) so a multi-thousand
// chunk job never materializes full rows in bulk.
type Store interface {
	// Elections
	SaveElection(e *types.Election) error
	GetElection(id string) (*types.Election, error)
	MarkGuardianDecrypted(electionID, guardianID string) error

	// Ballots
	SaveBallot(b *types.Ballot) error
	CountCastBallots(electionID string) (int, error)
	ListCastBallotIDs(electionID string) ([]string, error)
	AssignBallotsToChunk(chunkID string, ballotIDs []string) error
	LoadBallotCiphertextsForChunk(chunkID string) ([]string, error)

	// Chunks
	InsertChunks(chunks []*types.Chunk) error
	GetChunk(id string) (*types.Chunk, error)
	FindChunkIDsByElection(electionID string) ([]string, error)
	CountChunksByElection(electionID string) (int, error)
	UpdateChunkEncryptedTally(chunkID, ciphertext string) error
	UpdateChunkResult(chunkID, resultJSON string) error
	LoadChunkCiphertext(chunkID string) (string, error)
	LoadChunkResults(electionID string) ([]string, error)

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	FindJob(electionID string, op types.OperationKind, guardianID string) (*types.Job, error)
	IncrementJobProgress(jobID string, failed bool) (*types.JobProgress, error)
	MarkJobState(jobID string, state types.JobState, errMsg string) error

	// Shares. Inserts report false when the row already existed; the
	// duplicate is swallowed so redeliveries stay idempotent.
	InsertPartialShare(s *types.PartialShare) (bool, error)
	InsertCompensatedShare(s *types.CompensatedShare) (bool, error)
	LoadPartialSharesForChunk(chunkID string) (map[string]string, error)
	LoadCompensatedSharesForChunk(chunkID string) (map[types.SharePair]string, error)

	// Decryption status
	UpsertDecryptionStatus(st *types.PartialDecryptionStatus) error
	GetDecryptionStatus(electionID, guardianID string) (*types.PartialDecryptionStatus, error)

	// Utility
	Close() error
}
