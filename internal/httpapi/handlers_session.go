package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/queue"
	"github.com/queueworks/vqueue/internal/store"
)

type enqueueReq struct {
	UserIdentifier string         `json:"userIdentifier"`
	Priority       store.Priority `json:"priority"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type sessionResp struct {
	ID             uuid.UUID      `json:"id"`
	QueueID        uuid.UUID      `json:"queueId"`
	UserIdentifier string         `json:"userIdentifier"`
	Status         string         `json:"status"`
	Priority       store.Priority `json:"priority"`
	Position       int            `json:"position"`
	EstimatedWait  float64        `json:"estimatedWaitSeconds,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
	ServedAt       *time.Time     `json:"servedAt,omitempty"`
	ReleasedAt     *time.Time     `json:"releasedAt,omitempty"`
}

func toSessionResp(sess *store.Session) sessionResp {
	return sessionResp{
		ID:             sess.ID,
		QueueID:        sess.QueueID,
		UserIdentifier: sess.UserIdentifier,
		Status:         string(sess.Status),
		Priority:       sess.Priority,
		Position:       sess.Position,
		EnqueuedAt:     sess.EnqueuedAt,
		ServedAt:       sess.ServedAt,
		ReleasedAt:     sess.ReleasedAt,
	}
}

func toStandingResp(st *queue.Standing) sessionResp {
	resp := toSessionResp(st.Session)
	resp.Position = st.Position
	resp.EstimatedWait = st.EstimatedWait.Seconds()
	return resp
}

// Enqueue admits a visitor to the queue. Re-joining with the same
// identifier returns the existing session.
func (s *Server) Enqueue(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueJoin)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req enqueueReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.Engine.Enqueue(r.Context(), queueID, req.UserIdentifier, req.Priority, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "session.enqueued", "session", sess.ID, audit.ResultSuccess,
		map[string]any{"userIdentifier": sess.UserIdentifier, "position": sess.Position})

	st, err := s.Engine.Position(r.Context(), queueID, sess.ID)
	if err != nil {
		writeJSON(w, http.StatusCreated, toSessionResp(sess))
		return
	}
	writeJSON(w, http.StatusCreated, toStandingResp(st))
}

// Position answers "where am I" for one session
func (s *Server) Position(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermQueueRead) == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.Engine.Position(r.Context(), queueID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingResp(st))
}

// PositionByUser answers the same question keyed by the visitor's
// identifier, for clients that never stored their session ID
func (s *Server) PositionByUser(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermQueueRead) == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.Engine.PositionByUser(r.Context(), queueID, r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStandingResp(st))
}

// Drop removes a waiting session. Dropping a terminal session is a no-op.
func (s *Server) Drop(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueJoin)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	reason := store.DropReason(r.URL.Query().Get("reason"))
	if reason == "" {
		reason = store.DropByUser
	}
	sess, err := s.Engine.Drop(r.Context(), queueID, sessionID, reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "session.dropped", "session", sess.ID, audit.ResultSuccess,
		map[string]any{"reason": string(reason)})
	writeJSON(w, http.StatusOK, toSessionResp(sess))
}

// BeginServe moves a waiting session to the service desk
func (s *Server) BeginServe(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueUpdate)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.Engine.BeginServe(r.Context(), queueID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "session.serving", "session", sess.ID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, toSessionResp(sess))
}

// CompleteServe finishes service, releasing the session
func (s *Server) CompleteServe(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueUpdate)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := pathID(r, "sessionID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.Engine.CompleteServe(r.Context(), queueID, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "session.released", "session", sess.ID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, toSessionResp(sess))
}

// heartbeatInterval keeps idle SSE connections alive through proxies
const heartbeatInterval = 15 * time.Second

// Subscribe streams queue events over SSE until the client disconnects
func (s *Server) Subscribe(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermQueueRead) == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.Store.Queues().GetByID(r.Context(), queueID); err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errs.InvalidState("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.Bus.Listen(queueID, 64)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	eventID := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Ctx(r.Context()).Error().Err(err).Msg("failed to encode sse event")
				continue
			}
			eventID++
			fmt.Fprintf(w, "event: %s\n", e.Type)
			fmt.Fprintf(w, "id: %d\n", eventID)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
