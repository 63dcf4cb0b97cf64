package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/manager"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/tracker"
	"github.com/civitas/tally/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type errorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Status  interface{} `json:"status,omitempty"`
}

type createElectionRequest struct {
	Name          string            `json:"name"`
	CryptoContext string            `json:"cryptoContext"`
	Quorum        int               `json:"quorum"`
	Ended         bool              `json:"ended"`
	Guardians     []guardianRequest `json:"guardians"`
}

type guardianRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	SequenceOrder int    `json:"sequenceOrder"`
	PublicKey     string `json:"publicKey"`
	SealedShare   []byte `json:"sealedShare"`
	BackupDigest  string `json:"backupDigest"`
}

func (s *Server) handleCreateElection(w http.ResponseWriter, r *http.Request) {
	var req createElectionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, err.Error()))
		return
	}

	election := &types.Election{
		Name:          req.Name,
		CryptoContext: req.CryptoContext,
		Quorum:        req.Quorum,
		Ended:         req.Ended,
	}
	for _, g := range req.Guardians {
		election.Guardians = append(election.Guardians, &types.Guardian{
			ID:            g.ID,
			Name:          g.Name,
			Email:         g.Email,
			SequenceOrder: g.SequenceOrder,
			PublicKey:     g.PublicKey,
			SealedShare:   g.SealedShare,
			BackupDigest:  g.BackupDigest,
		})
	}
	if err := s.manager.CreateElection(election); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"electionId": election.ID})
}

// handleCastBallot accepts one ballot. Clients pad the request body to a
// constant size so request length leaks nothing about ballot contents;
// the pad length arrives in a header and the padding is stripped before
// decoding.
func (s *Server) handleCastBallot(w http.ResponseWriter, r *http.Request) {
	electionID := mux.Vars(r)["electionId"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "failed to read request body"))
		return
	}

	if header := r.Header.Get(cryptoclient.PadHeader); header != "" {
		padLen, err := strconv.Atoi(header)
		if err != nil || padLen < 0 {
			s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "malformed pad length header"))
			return
		}
		body, err = cryptoclient.Strip(body, padLen)
		if err != nil {
			s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "padding validation failed"))
			return
		}
	} else {
		s.logger.Warn().
			Str("election_id", electionID).
			Msg("ballot submitted without padding header")
	}

	var req struct {
		Ballot json.RawMessage `json:"ballot"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Ballot) == 0 {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "request must carry a ballot"))
		return
	}

	ballot, err := s.manager.EncryptBallot(r.Context(), electionID, req.Ballot)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"ballotId": ballot.ID,
		"status":   string(ballot.Status),
	})
}

func (s *Server) handleCreateTally(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ElectionID string `json:"electionId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ElectionID == "" {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "electionId is required"))
		return
	}

	job, err := s.manager.CreateTallyJob(req.ElectionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":       job.ID,
		"totalChunks": job.TotalChunks,
		"pollUrl":     fmt.Sprintf("/api/jobs/%s/status", job.ID),
	})
}

func (s *Server) handleInitiateDecryption(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ElectionID string `json:"electionId"`
		Credential string `json:"credential"` // credential file contents
	}
	if err := decodeJSON(r, &req); err != nil || req.ElectionID == "" || req.Credential == "" {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "electionId and credential are required"))
		return
	}

	status, job, err := s.manager.InitiateDecryption(req.ElectionID, []byte(req.Credential))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":       job.ID,
		"totalChunks": job.TotalChunks,
		"pollUrl": fmt.Sprintf("/api/guardian/decryption-status/%s/%s",
			status.ElectionID, status.GuardianID),
	})
}

func (s *Server) handleDecryptionStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := s.manager.DecryptionStatus(vars["electionId"], vars["guardianId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView(status))
}

func (s *Server) handleCombine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ElectionID string `json:"electionId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ElectionID == "" {
		s.writeError(w, errors.Wrap(manager.ErrInvalidInput, "electionId is required"))
		return
	}

	job, err := s.manager.CombineDecryption(req.ElectionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":       job.ID,
		"totalChunks": job.TotalChunks,
		"pollUrl":     fmt.Sprintf("/api/jobs/%s/status", job.ID),
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.JobStatus(mux.Vars(r)["jobId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":           job.ID,
		"electionId":      job.ElectionID,
		"operation":       job.Operation,
		"state":           job.State,
		"totalChunks":     job.TotalChunks,
		"processedChunks": job.ProcessedChunks,
		"failedChunks":    job.FailedChunks,
		"error":           job.Error,
	})
}

func (s *Server) handleCachedResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.CachedResults(mux.Vars(r)["electionId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleDeadLetters exposes dead-lettered messages for operators.
// Guardian secrets are scrubbed from the bodies before they leave the
// process.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.broker.DeadLetters()
	if err != nil {
		s.writeError(w, err)
		return
	}
	type deadLetterView struct {
		Queue        string             `json:"queue"`
		Message      *types.ChunkMessage `json:"message"`
		Reason       string             `json:"reason"`
		DeadLettered time.Time          `json:"deadLettered"`
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, l := range letters {
		var msg types.ChunkMessage
		if err := json.Unmarshal(l.Body, &msg); err != nil {
			continue
		}
		msg.GuardianSecret = ""
		views = append(views, deadLetterView{
			Queue:        l.Queue,
			Message:      &msg,
			Reason:       l.Reason,
			DeadLettered: l.DeadLettered,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps domain errors onto HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var dup *tracker.DuplicateError
	switch {
	case errors.As(err, &dup):
		if dup.Status.State == types.DecryptionStateCompleted {
			writeJSON(w, http.StatusOK, statusView(dup.Status))
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:   "DUPLICATE_SUBMISSION",
			Message: "a decryption submission is already in progress for this guardian",
			Status:  statusView(dup.Status),
		})
	case errors.Is(err, credentials.ErrInvalidCredential):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "INVALID_CREDENTIAL",
			Message: credentials.UserMessage,
		})
	case errors.Is(err, manager.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "INVALID_INPUT",
			Message: err.Error(),
		})
	case errors.Is(err, manager.ErrResultsNotReady):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "RESULTS_NOT_READY",
			Message: "Results not yet available",
		})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:   "NOT_FOUND",
			Message: "the requested resource does not exist",
		})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "INTERNAL",
			Message: "internal server error",
		})
	}
}

// statusView is the polled guardian-status payload.
func statusView(st *types.PartialDecryptionStatus) map[string]interface{} {
	return map[string]interface{}{
		"electionId":         st.ElectionID,
		"guardianId":         st.GuardianID,
		"guardianName":       st.GuardianName,
		"state":              st.State,
		"phase":              st.Phase,
		"totalChunks":        st.TotalChunks,
		"processedChunks":    st.ProcessedChunks,
		"totalGuardians":     st.TotalGuardians,
		"processedGuardians": st.ProcessedGuardians,
		"currentTargetId":    st.CurrentTargetID,
		"currentTargetName":  st.CurrentTargetName,
		"lastError":          st.LastError,
		"updatedAt":          st.UpdatedAt,
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
