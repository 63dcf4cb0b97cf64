package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitas/tally/pkg/credentials"
	"github.com/civitas/tally/pkg/cryptoclient"
	"github.com/civitas/tally/pkg/manager"
	"github.com/civitas/tally/pkg/storage"
	"github.com/civitas/tally/pkg/tracker"
	"github.com/civitas/tally/pkg/types"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteErrorMapping(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid input", errors.Wrap(manager.ErrInvalidInput, "election has not ended"), http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid credential", errors.Wrap(credentials.ErrInvalidCredential, "wrong key"), http.StatusBadRequest, "INVALID_CREDENTIAL"},
		{"results not ready", manager.ErrResultsNotReady, http.StatusNotFound, "RESULTS_NOT_READY"},
		{"not found", errors.Wrap(storage.ErrNotFound, "job x"), http.StatusNotFound, "NOT_FOUND"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeError(rec, tt.err)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error)
		})
	}
}

func TestWriteErrorCredentialMessageIsFixed(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.writeError(rec, errors.Wrap(credentials.ErrInvalidCredential, "internal detail about the key"))

	resp := decodeError(t, rec)
	assert.Equal(t, credentials.UserMessage, resp.Message)
	assert.NotContains(t, rec.Body.String(), "internal detail")
}

func TestWriteErrorDuplicateSubmission(t *testing.T) {
	s := &Server{}

	rec := httptest.NewRecorder()
	s.writeError(rec, &tracker.DuplicateError{Status: &types.PartialDecryptionStatus{
		ElectionID: "e1", GuardianID: "g1",
		State: types.DecryptionStateInProgress, Phase: types.PhasePartial,
		TotalChunks: 10, ProcessedChunks: 4,
	}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "DUPLICATE_SUBMISSION", resp.Error)
	assert.NotNil(t, resp.Status)

	// A completed submission surfaces as success, not conflict.
	rec = httptest.NewRecorder()
	s.writeError(rec, &tracker.DuplicateError{Status: &types.PartialDecryptionStatus{
		ElectionID: "e1", GuardianID: "g1",
		State: types.DecryptionStateCompleted, Phase: types.PhaseCompleted,
	}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func castBallotRequest(t *testing.T, body []byte, padLen int) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/election/e1/ballot", bytes.NewReader(body))
	req = mux.SetURLVars(req, map[string]string{"electionId": "e1"})
	if padLen >= 0 {
		req.Header.Set(cryptoclient.PadHeader, strconv.Itoa(padLen))
	}
	return req
}

func TestCastBallotRejectsCorruptPadding(t *testing.T) {
	s := &Server{}

	padded, padLen := cryptoclient.Pad([]byte(`{"ballot":{"a":1}}`))
	tampered := append([]byte(nil), padded...)
	tampered[len(tampered)-1]++

	rec := httptest.NewRecorder()
	s.handleCastBallot(rec, castBallotRequest(t, tampered, padLen))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Error)
}

func TestCastBallotRejectsMalformedPadHeader(t *testing.T) {
	s := &Server{}

	req := httptest.NewRequest(http.MethodPost, "/api/election/e1/ballot", bytes.NewReader([]byte("{}")))
	req = mux.SetURLVars(req, map[string]string{"electionId": "e1"})
	req.Header.Set(cryptoclient.PadHeader, "not-a-number")

	rec := httptest.NewRecorder()
	s.handleCastBallot(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCastBallotRequiresBallotField(t *testing.T) {
	s := &Server{}

	padded, padLen := cryptoclient.Pad([]byte(`{"somethingElse":true}`))
	rec := httptest.NewRecorder()
	s.handleCastBallot(rec, castBallotRequest(t, padded, padLen))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
