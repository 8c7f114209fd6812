package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/clock"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/store"
)

type queueReq struct {
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	MaxConcurrentUsers   int             `json:"maxConcurrentUsers"`
	ReleaseRatePerMinute float64         `json:"releaseRatePerMinute"`
	Schedule             *clock.Schedule `json:"schedule,omitempty"`
}

type queueResp struct {
	ID                   uuid.UUID      `json:"id"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	MaxConcurrentUsers   int            `json:"maxConcurrentUsers"`
	ReleaseRatePerMinute float64        `json:"releaseRatePerMinute"`
	Active               bool           `json:"active"`
	Schedule             clock.Schedule `json:"schedule"`
	CreatedAt            time.Time      `json:"createdAt"`
}

func toQueueResp(q *store.Queue) queueResp {
	return queueResp{
		ID:                   q.ID,
		Name:                 q.Name,
		Description:          q.Description,
		MaxConcurrentUsers:   q.MaxConcurrentUsers,
		ReleaseRatePerMinute: q.ReleaseRatePerMinute,
		Active:               q.Active,
		Schedule:             q.Schedule,
		CreatedAt:            q.CreatedAt,
	}
}

func (req *queueReq) validate() error {
	if req.Name == "" {
		return errs.Invalid("queue name is required")
	}
	if req.MaxConcurrentUsers < 0 {
		return errs.Invalid("maxConcurrentUsers cannot be negative")
	}
	if req.ReleaseRatePerMinute < 0 {
		return errs.Invalid("releaseRatePerMinute cannot be negative")
	}
	if req.Schedule != nil {
		if err := req.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CreateQueue registers a queue, active immediately
func (s *Server) CreateQueue(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueCreate)
	if id == nil {
		return
	}
	var req queueReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	q := &store.Queue{
		Name:                 req.Name,
		Description:          req.Description,
		MaxConcurrentUsers:   req.MaxConcurrentUsers,
		ReleaseRatePerMinute: req.ReleaseRatePerMinute,
		Active:               true,
	}
	if req.Schedule != nil {
		q.Schedule = *req.Schedule
	}
	if err := s.Store.Queues().Add(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "queue.created", "queue", q.ID, audit.ResultSuccess,
		map[string]any{"name": q.Name})
	writeJSON(w, http.StatusCreated, toQueueResp(q))
}

// ListQueues returns the tenant's queues
func (s *Server) ListQueues(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermQueueRead) == nil {
		return
	}
	queues, err := s.Store.Queues().ListByTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]queueResp, 0, len(queues))
	for _, q := range queues {
		out = append(out, toQueueResp(q))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetQueue returns one queue
func (s *Server) GetQueue(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermQueueRead) == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.Store.Queues().GetByID(r.Context(), queueID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueResp(q))
}

// UpdateQueue replaces a queue's configuration
func (s *Server) UpdateQueue(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueUpdate)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req queueReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.Store.Queues().GetByID(r.Context(), queueID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q.Name = req.Name
	q.Description = req.Description
	q.MaxConcurrentUsers = req.MaxConcurrentUsers
	q.ReleaseRatePerMinute = req.ReleaseRatePerMinute
	if req.Schedule != nil {
		q.Schedule = *req.Schedule
	}
	if err := s.Store.Queues().Update(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "queue.updated", "queue", q.ID, audit.ResultSuccess,
		map[string]any{"name": q.Name})
	writeJSON(w, http.StatusOK, toQueueResp(q))
}

// DeleteQueue soft-deletes the queue and its sessions
func (s *Server) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermQueueDelete)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Store.Queues().SoftDelete(r.Context(), queueID); err != nil {
		writeError(w, r, err)
		return
	}
	_ = s.Bus.Publish(r.Context(), events.Event{QueueID: queueID, Type: events.TypeQueueDeleted})
	s.record(r, id, "queue.deleted", "queue", queueID, audit.ResultSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

// PauseQueue stops admissions and releases without touching state
func (s *Server) PauseQueue(w http.ResponseWriter, r *http.Request) {
	s.setQueueActive(w, r, false)
}

// ResumeQueue reopens a paused queue
func (s *Server) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	s.setQueueActive(w, r, true)
}

func (s *Server) setQueueActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := s.require(w, r, authz.PermQueueUpdate)
	if id == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.Store.Queues().GetByID(r.Context(), queueID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if q.Active == active {
		writeJSON(w, http.StatusOK, toQueueResp(q))
		return
	}
	q.Active = active
	if err := s.Store.Queues().Update(r.Context(), q); err != nil {
		writeError(w, r, err)
		return
	}

	eventType := events.TypeQueuePaused
	action := "queue.paused"
	if active {
		eventType = events.TypeQueueResumed
		action = "queue.resumed"
	}
	_ = s.Bus.Publish(r.Context(), events.Event{QueueID: q.ID, Type: eventType})
	s.record(r, id, action, "queue", q.ID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, toQueueResp(q))
}
