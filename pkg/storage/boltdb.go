package storage

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/civitas/tally/pkg/types"
)

var (
	// Bucket names
	bucketElections        = []byte("elections")
	bucketBallots          = []byte("ballots")
	bucketChunks           = []byte("chunks")
	bucketChunksByElection = []byte("chunks_by_election")
	bucketBallotsByChunk   = []byte("ballots_by_chunk")
	bucketJobs             = []byte("jobs")
	bucketJobIndex         = []byte("job_index")
	bucketPartialShares    = []byte("partial_shares")
	bucketCompShares       = []byte("compensated_shares")
	bucketDecryptionStatus = []byte("decryption_status")
)

const keySep = "/"

// BoltStore implements Store using BoltDB. Rows are JSON values keyed by
// id; list reads needed in ordinal order go through index buckets whose
// keys sort correctly byte-wise.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tally.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketElections,
			bucketBallots,
			bucketChunks,
			bucketChunksByElection,
			bucketBallotsByChunk,
			bucketJobs,
			bucketJobIndex,
			bucketPartialShares,
			bucketCompShares,
			bucketDecryptionStatus,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", bucket)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Election operations

func (s *BoltStore) SaveElection(e *types.Election) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElections)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.ID), data)
	})
}

func (s *BoltStore) GetElection(id string) (*types.Election, error) {
	var election types.Election
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketElections).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "election %s", id)
		}
		return json.Unmarshal(data, &election)
	})
	if err != nil {
		return nil, err
	}
	return &election, nil
}

func (s *BoltStore) MarkGuardianDecrypted(electionID, guardianID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketElections)
		data := b.Get([]byte(electionID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "election %s", electionID)
		}
		var election types.Election
		if err := json.Unmarshal(data, &election); err != nil {
			return err
		}
		g := election.GuardianByID(guardianID)
		if g == nil {
			return errors.Wrapf(ErrNotFound, "guardian %s", guardianID)
		}
		g.Decrypted = true
		updated, err := json.Marshal(&election)
		if err != nil {
			return err
		}
		return b.Put([]byte(electionID), updated)
	})
}

// Ballot operations

func ballotKey(electionID, ballotID string) []byte {
	return []byte(electionID + keySep + ballotID)
}

func (s *BoltStore) SaveBallot(ballot *types.Ballot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBallots)
		data, err := json.Marshal(ballot)
		if err != nil {
			return err
		}
		return b.Put(ballotKey(ballot.ElectionID, ballot.ID), data)
	})
}

// ballotStatusRow decodes only the status column of a ballot row.
type ballotStatusRow struct {
	ID     string             `json:"ID"`
	Status types.BallotStatus `json:"Status"`
}

func (s *BoltStore) CountCastBallots(electionID string) (int, error) {
	count := 0
	err := s.forEachBallot(electionID, func(row *ballotStatusRow) {
		if row.Status == types.BallotStatusCast {
			count++
		}
	})
	return count, err
}

func (s *BoltStore) ListCastBallotIDs(electionID string) ([]string, error) {
	var ids []string
	err := s.forEachBallot(electionID, func(row *ballotStatusRow) {
		if row.Status == types.BallotStatusCast {
			ids = append(ids, row.ID)
		}
	})
	return ids, err
}

func (s *BoltStore) forEachBallot(electionID string, fn func(*ballotStatusRow)) error {
	prefix := []byte(electionID + keySep)
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBallots).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row ballotStatusRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			fn(&row)
		}
		return nil
	})
}

func (s *BoltStore) AssignBallotsToChunk(chunkID string, ballotIDs []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		data := chunks.Get([]byte(chunkID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		var chunk types.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}

		idx := tx.Bucket(bucketBallotsByChunk)
		for _, id := range ballotIDs {
			key := []byte(chunkID + keySep + id)
			if err := idx.Put(key, ballotKey(chunk.ElectionID, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ballotCiphertextRow decodes only the ciphertext column of a ballot row.
type ballotCiphertextRow struct {
	Ciphertext string `json:"Ciphertext"`
}

func (s *BoltStore) LoadBallotCiphertextsForChunk(chunkID string) ([]string, error) {
	var ciphertexts []string
	prefix := []byte(chunkID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		ballots := tx.Bucket(bucketBallots)
		c := tx.Bucket(bucketBallotsByChunk).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := ballots.Get(v)
			if data == nil {
				return errors.Wrapf(ErrNotFound, "ballot %s", v)
			}
			var row ballotCiphertextRow
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			ciphertexts = append(ciphertexts, row.Ciphertext)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ciphertexts, nil
}

// Chunk operations

func chunkOrdinalKey(electionID string, ordinal int) []byte {
	key := make([]byte, 0, len(electionID)+9)
	key = append(key, electionID...)
	key = append(key, keySep...)
	var ord [8]byte
	binary.BigEndian.PutUint64(ord[:], uint64(ordinal))
	return append(key, ord[:]...)
}

func (s *BoltStore) InsertChunks(chunks []*types.Chunk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		idx := tx.Bucket(bucketChunksByElection)
		for _, chunk := range chunks {
			data, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(chunk.ID), data); err != nil {
				return err
			}
			if err := idx.Put(chunkOrdinalKey(chunk.ElectionID, chunk.Ordinal), []byte(chunk.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetChunk(id string) (*types.Chunk, error) {
	var chunk types.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "chunk %s", id)
		}
		return json.Unmarshal(data, &chunk)
	})
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *BoltStore) FindChunkIDsByElection(electionID string) ([]string, error) {
	var ids []string
	prefix := []byte(electionID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunksByElection).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) CountChunksByElection(electionID string) (int, error) {
	ids, err := s.FindChunkIDsByElection(electionID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *BoltStore) updateChunk(chunkID string, mutate func(*types.Chunk)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		data := b.Get([]byte(chunkID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		var chunk types.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}
		mutate(&chunk)
		updated, err := json.Marshal(&chunk)
		if err != nil {
			return err
		}
		return b.Put([]byte(chunkID), updated)
	})
}

func (s *BoltStore) UpdateChunkEncryptedTally(chunkID, ciphertext string) error {
	return s.updateChunk(chunkID, func(c *types.Chunk) {
		c.EncryptedTally = ciphertext
	})
}

func (s *BoltStore) UpdateChunkResult(chunkID, resultJSON string) error {
	return s.updateChunk(chunkID, func(c *types.Chunk) {
		c.Result = resultJSON
	})
}

// chunkCiphertextRow decodes only the encrypted tally column.
type chunkCiphertextRow struct {
	EncryptedTally string `json:"EncryptedTally"`
}

func (s *BoltStore) LoadChunkCiphertext(chunkID string) (string, error) {
	var row chunkCiphertextRow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get([]byte(chunkID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "chunk %s", chunkID)
		}
		return json.Unmarshal(data, &row)
	})
	return row.EncryptedTally, err
}

// chunkResultRow decodes only the result column.
type chunkResultRow struct {
	Result string `json:"Result"`
}

// LoadChunkResults returns the result column of every chunk of the
// election in ordinal order. Chunks not yet combined contribute an empty
// string.
func (s *BoltStore) LoadChunkResults(electionID string) ([]string, error) {
	var results []string
	prefix := []byte(electionID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		c := tx.Bucket(bucketChunksByElection).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			data := chunks.Get(v)
			if data == nil {
				return errors.Wrapf(ErrNotFound, "chunk %s", v)
			}
			var row chunkResultRow
			if err := json.Unmarshal(data, &row); err != nil {
				return err
			}
			results = append(results, row.Result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Job operations

func jobIndexKey(electionID string, op types.OperationKind, guardianID string) []byte {
	return []byte(electionID + keySep + string(op) + keySep + guardianID)
}

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketJobIndex).Put(jobIndexKey(job.ElectionID, job.Operation, job.GuardianID), []byte(job.ID))
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "job %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) FindJob(electionID string, op types.OperationKind, guardianID string) (*types.Job, error) {
	var jobID []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		jobID = tx.Bucket(bucketJobIndex).Get(jobIndexKey(electionID, op, guardianID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if jobID == nil {
		return nil, errors.Wrapf(ErrNotFound, "job for election %s op %s", electionID, op)
	}
	return s.GetJob(string(jobID))
}

// IncrementJobProgress atomically advances the processed or failed counter
// and returns the new progress, so the caller that wrote the final chunk
// observes the transition to completion. Increments against a terminal job
// are ignored.
func (s *BoltStore) IncrementJobProgress(jobID string, failed bool) (*types.JobProgress, error) {
	var progress types.JobProgress
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "job %s", jobID)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		if !job.State.Terminal() && job.ProcessedChunks+job.FailedChunks < job.TotalChunks {
			if failed {
				job.FailedChunks++
			} else {
				job.ProcessedChunks++
			}
			if job.State == types.JobStatePending {
				job.State = types.JobStateInProgress
				job.StartedAt = time.Now()
			}
			if job.ProcessedChunks+job.FailedChunks == job.TotalChunks {
				if job.FailedChunks > 0 {
					job.State = types.JobStateFailed
				} else {
					job.State = types.JobStateCompleted
				}
				job.CompletedAt = time.Now()
			}
			updated, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(jobID), updated); err != nil {
				return err
			}
		}

		progress = types.JobProgress{
			JobID:     job.ID,
			Total:     job.TotalChunks,
			Processed: job.ProcessedChunks,
			Failed:    job.FailedChunks,
			State:     job.State,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

// MarkJobState sets the job state. Terminal states are sticky; marking a
// terminal job is a no-op.
func (s *BoltStore) MarkJobState(jobID string, state types.JobState, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "job %s", jobID)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		job.State = state
		job.Error = errMsg
		if state == types.JobStateInProgress && job.StartedAt.IsZero() {
			job.StartedAt = time.Now()
		}
		if state.Terminal() {
			job.CompletedAt = time.Now()
		}
		updated, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), updated)
	})
}

// Share operations

func (s *BoltStore) InsertPartialShare(share *types.PartialShare) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPartialShares)
		key := []byte(share.ChunkID + keySep + share.GuardianID)
		if b.Get(key) != nil {
			// Unique on (chunk, guardian): duplicate writes are no-ops.
			return nil
		}
		data, err := json.Marshal(share)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *BoltStore) InsertCompensatedShare(share *types.CompensatedShare) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompShares)
		key := []byte(share.ChunkID + keySep + share.SourceID + keySep + share.TargetID)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(share)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

func (s *BoltStore) LoadPartialSharesForChunk(chunkID string) (map[string]string, error) {
	shares := make(map[string]string)
	prefix := []byte(chunkID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPartialShares).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var share types.PartialShare
			if err := json.Unmarshal(v, &share); err != nil {
				return err
			}
			shares[share.GuardianID] = share.Share
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

func (s *BoltStore) LoadCompensatedSharesForChunk(chunkID string) (map[types.SharePair]string, error) {
	shares := make(map[types.SharePair]string)
	prefix := []byte(chunkID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCompShares).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var share types.CompensatedShare
			if err := json.Unmarshal(v, &share); err != nil {
				return err
			}
			shares[types.SharePair{Source: share.SourceID, Target: share.TargetID}] = share.Share
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Decryption status operations

func (s *BoltStore) UpsertDecryptionStatus(st *types.PartialDecryptionStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDecryptionStatus)
		st.UpdatedAt = time.Now()
		if st.CreatedAt.IsZero() {
			st.CreatedAt = st.UpdatedAt
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(st.ElectionID+keySep+st.GuardianID), data)
	})
}

func (s *BoltStore) GetDecryptionStatus(electionID, guardianID string) (*types.PartialDecryptionStatus, error) {
	var status types.PartialDecryptionStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDecryptionStatus).Get([]byte(electionID + keySep + guardianID))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "decryption status %s/%s", electionID, guardianID)
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
