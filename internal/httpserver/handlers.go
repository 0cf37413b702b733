package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careloop/careloop-engine/internal/analysislog"
	"github.com/careloop/careloop-engine/internal/engine"
	"github.com/careloop/careloop-engine/internal/metrics"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
)

type createSessionRequest struct {
	CounselorID string `json:"counselor_id"`
	Mode        string `json:"mode"`
	AccountID   string `json:"account_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.CounselorID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("counselor_id is required"))
		return
	}
	mode := session.Mode(req.Mode)
	if req.Mode == "" {
		mode = session.ModeLive
	}
	if !mode.Valid() {
		s.respondError(w, http.StatusBadRequest, errors.New("mode must be practice or live"))
		return
	}

	sess := &session.Session{
		ID:          session.NewID(),
		CounselorID: req.CounselorID,
		Mode:        mode,
	}
	if err := s.sessions.CreateSession(r.Context(), sess); err != nil {
		s.respondDomainError(w, err)
		return
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = s.defaultAccountID
	}
	if s.billing != nil {
		if err := s.billing.Open(r.Context(), sess.ID, accountID); err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	metrics.SessionsActive.Inc()
	s.debugf("session created id=%s counselor=%s mode=%s", sess.ID, sess.CounselorID, sess.Mode)
	s.respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

type appendSegmentRequest struct {
	Text      string     `json:"text"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  float64    `json:"duration_seconds,omitempty"`
}

type appendSegmentResponse struct {
	Position        int `json:"position"`
	TranscriptRunes int `json:"transcript_runes"`
}

func (s *Server) handleAppendSegment(w http.ResponseWriter, r *http.Request) {
	var req appendSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Text == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	seg := transcript.Segment{Text: req.Text, Duration: req.Duration}
	if req.StartedAt != nil {
		seg.StartedAt = *req.StartedAt
	}
	if req.EndedAt != nil {
		seg.EndedAt = *req.EndedAt
	}

	pos, runes, err := s.transcripts.Append(r.Context(), chi.URLParam(r, "sessionID"), seg)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	metrics.SegmentsIngested.Inc()
	s.respondJSON(w, http.StatusCreated, appendSegmentResponse{Position: pos, TranscriptRunes: runes})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	text, err := s.transcripts.FullText(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"transcript": text})
}

func (s *Server) handleQuickFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := s.engine.Quick(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, fb)
}

type deepAnalysisRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleDeepAnalysis(w http.ResponseWriter, r *http.Request) {
	var req deepAnalysisRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	mode := engine.DeepMode(req.Mode)
	if req.Mode == "" {
		mode = engine.DeepModePractice
	}
	if !mode.Valid() {
		s.respondError(w, http.StatusBadRequest, errors.New("mode must be practice or emergency"))
		return
	}

	da, err := s.engine.Deep(r.Context(), chi.URLParam(r, "sessionID"), mode)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, da)
}

func (s *Server) handleListAnalysisLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	entries, err := s.logStore.ListEntries(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []analysislog.Entry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDeleteAnalysisLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("index must be an integer"))
		return
	}
	if _, err := s.sessions.GetSession(r.Context(), sessionID); err != nil {
		s.respondDomainError(w, err)
		return
	}
	if err := s.logStore.DeleteEntry(r.Context(), sessionID, index); err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Complete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.billing == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("billing not configured"))
		return
	}
	u, err := s.billing.Usage(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, u)
}
