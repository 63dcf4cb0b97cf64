package types

import (
	"time"
)

// Election represents a single election as seen by the orchestration core.
// The core never mutates ballots or crypto parameters; it only flips the
// per-guardian Decrypted flag as guardians finish their submissions.
type Election struct {
	ID            string
	Name          string
	CryptoContext string // opaque encryption parameters, passed through to the crypto service
	Quorum        int
	Guardians     []*Guardian // ordered by SequenceOrder
	Ended         bool
	CreatedAt     time.Time
}

// Guardian is one holder of a share of the election's threshold private key.
type Guardian struct {
	ID            string
	Name          string
	Email         string
	SequenceOrder int
	PublicKey     string
	SealedShare   []byte // guardian's private key share, sealed under their credential key
	BackupDigest  string // digest of the polynomial backup, required for compensation
	Decrypted     bool   // set once the guardian's (or their compensators') shares are complete
}

// GuardianByID returns the guardian with the given id, or nil.
func (e *Election) GuardianByID(id string) *Guardian {
	for _, g := range e.Guardians {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// DecryptedGuardians counts guardians whose shares are complete.
func (e *Election) DecryptedGuardians() int {
	n := 0
	for _, g := range e.Guardians {
		if g.Decrypted {
			n++
		}
	}
	return n
}

// BallotStatus represents the status of a submitted ballot
type BallotStatus string

const (
	BallotStatusCast    BallotStatus = "cast"
	BallotStatusAudited BallotStatus = "audited"
	BallotStatusSpoiled BallotStatus = "spoiled"
)

// Ballot is one encrypted vote. The core reads ballots but never decrypts
// them locally; ciphertexts are opaque strings handed to the crypto service.
type Ballot struct {
	ID         string
	ElectionID string
	Status     BallotStatus
	Ciphertext string
	CastAt     time.Time
}

// Chunk is one partition of an election's cast ballots, the unit of work.
// Ordinals are dense [0..N) per election. EncryptedTally is filled by the
// tally stage; Result is filled by the combine stage.
type Chunk struct {
	ID             string
	ElectionID     string
	Ordinal        int
	EncryptedTally string
	Result         string // per-selection plaintext results, JSON
	CreatedAt      time.Time
}

// OperationKind identifies what a job does to its chunks
type OperationKind string

const (
	OperationTally       OperationKind = "TALLY"
	OperationPartial     OperationKind = "PARTIAL"
	OperationCompensated OperationKind = "COMPENSATED"
	OperationCombine     OperationKind = "COMBINE"
)

// JobState represents the overall state of a job
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateInProgress JobState = "IN_PROGRESS"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateFailed     JobState = "FAILED"
)

// Terminal reports whether the state never transitions again.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job is one asynchronous multi-chunk operation over an election.
// ProcessedChunks + FailedChunks never exceeds TotalChunks, and terminal
// states never transition back.
type Job struct {
	ID              string
	ElectionID      string
	Operation       OperationKind
	State           JobState
	GuardianID      string // set for PARTIAL and COMPENSATED jobs
	TotalChunks     int
	ProcessedChunks int
	FailedChunks    int
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Error           string
}

// DecryptionState is the state of a guardian's decryption submission
type DecryptionState string

const (
	DecryptionStatePending    DecryptionState = "PENDING"
	DecryptionStateInProgress DecryptionState = "IN_PROGRESS"
	DecryptionStateCompleted  DecryptionState = "COMPLETED"
	DecryptionStateFailed     DecryptionState = "FAILED"
)

// DecryptionPhase is the phase a guardian's submission is currently in
type DecryptionPhase string

const (
	PhasePartial     DecryptionPhase = "PARTIAL"
	PhaseCompensated DecryptionPhase = "COMPENSATED"
	PhaseCompleted   DecryptionPhase = "COMPLETED"
)

// PartialDecryptionStatus is the per-guardian view of an ongoing decryption
// submission, polled by the guardian's UI at a 2 second cadence.
// Unique per (ElectionID, GuardianID).
type PartialDecryptionStatus struct {
	ElectionID         string
	GuardianID         string
	GuardianName       string
	GuardianEmail      string
	State              DecryptionState
	Phase              DecryptionPhase
	TotalChunks        int // partial phase
	ProcessedChunks    int
	TotalGuardians     int // compensated phase: absent guardians to cover
	ProcessedGuardians int
	CurrentTargetID    string
	CurrentTargetName  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastError          string
}

// PartialShare is a guardian's partial decryption of one chunk's tally.
// Unique per (ChunkID, GuardianID); duplicate writes are idempotent no-ops.
type PartialShare struct {
	ElectionID string
	ChunkID    string
	GuardianID string
	Share      string
	CreatedAt  time.Time
}

// CompensatedShare is a share created by a present source guardian on
// behalf of an absent target guardian. Unique per (ChunkID, SourceID, TargetID).
type CompensatedShare struct {
	ElectionID string
	ChunkID    string
	SourceID   string
	TargetID   string
	Share      string
	CreatedAt  time.Time
}

// SharePair keys a compensated share by its source and target guardians.
type SharePair struct {
	Source string
	Target string
}

// ChunkMessage is the in-flight work item published to the broker.
// Messages have no persistent identity and may be redelivered; workers
// serialize redelivered copies with a per-(job, chunk) lock.
type ChunkMessage struct {
	JobID      string        `json:"jobId"`
	ChunkID    string        `json:"chunkId"`
	Operation  OperationKind `json:"operation"`
	ElectionID string        `json:"electionId"`

	// Decryption extras. GuardianSecret is the submitting guardian's
	// unsealed private share; it exists only for PARTIAL and COMPENSATED
	// messages and must never be logged or audited.
	GuardianID     string `json:"guardianId,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
	GuardianSecret string `json:"guardianSecret,omitempty"`
	BackupDigest   string `json:"backupDigest,omitempty"`
}

// JobProgress is the durable progress snapshot returned by atomic
// increments, so the worker that wrote the final row observes the
// transition to completion.
type JobProgress struct {
	JobID     string
	Total     int
	Processed int
	Failed    int
	State     JobState
}

// Done reports whether every chunk has settled.
func (p *JobProgress) Done() bool {
	return p.Processed+p.Failed >= p.Total
}

// CombinedResults is the decrypted election outcome assembled once every
// chunk has been combined.
type CombinedResults struct {
	ElectionID string   `json:"electionId"`
	Chunks     int      `json:"chunks"`
	Results    []string `json:"results"` // per-chunk per-selection plaintext JSON, ordered by ordinal
}
