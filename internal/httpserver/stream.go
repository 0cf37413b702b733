package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/careloop/careloop-engine/internal/metrics"
	"github.com/careloop/careloop-engine/internal/session"
	"github.com/careloop/careloop-engine/internal/transcript"
)

const (
	streamReadLimit = 1 << 20
	streamPongWait  = 60 * time.Second
	streamWriteWait = 10 * time.Second
)

type streamSegment struct {
	Text      string     `json:"text"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  float64    `json:"duration_seconds,omitempty"`
}

type streamAck struct {
	Position        int    `json:"position,omitempty"`
	TranscriptRunes int    `json:"transcript_runes,omitempty"`
	Error           string `json:"error,omitempty"`
}

// handleSegmentStream ingests segments over a websocket, acking each append
// with its assigned position. A full admission pool rejects the upgrade
// rather than queueing unbounded connections.
func (s *Server) handleSegmentStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if sess.Completed {
		s.respondDomainError(w, session.ErrCompleted)
		return
	}

	select {
	case s.streamSlots <- struct{}{}:
		defer func() { <-s.streamSlots }()
	default:
		s.respondError(w, http.StatusServiceUnavailable, errors.New("stream capacity exhausted"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		var in streamSegment
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.debugf("stream: session=%s read error: %v", sessionID, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))

		seg := transcript.Segment{Text: in.Text, Duration: in.Duration}
		if in.StartedAt != nil {
			seg.StartedAt = *in.StartedAt
		}
		if in.EndedAt != nil {
			seg.EndedAt = *in.EndedAt
		}

		ack := streamAck{}
		pos, runes, appendErr := s.transcripts.Append(r.Context(), sessionID, seg)
		if appendErr != nil {
			ack.Error = appendErr.Error()
		} else {
			ack.Position = pos
			ack.TranscriptRunes = runes
			metrics.SegmentsIngested.Inc()
		}

		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		// a completed session ends the stream after the ack
		if errors.Is(appendErr, session.ErrCompleted) {
			return
		}
	}
}
