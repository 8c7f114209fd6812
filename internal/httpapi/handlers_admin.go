package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/retention"
	"github.com/queueworks/vqueue/internal/store"
)

// QueueAnalytics computes the rollup for a queue over a time range
func (s *Server) QueueAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermAnalyticsRead) == nil {
		return
	}
	queueID, err := pathID(r, "queueID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, r, errs.Invalid("from must be RFC 3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, r, errs.Invalid("to must be RFC 3339"))
		return
	}
	report, err := s.Analytics.Rollup(r.Context(), queueID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type webhookReq struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	EventTypes []string          `json:"eventTypes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type webhookResp struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"eventTypes"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toWebhookResp(h *store.Webhook) webhookResp {
	return webhookResp{
		ID:         h.ID,
		Name:       h.Name,
		URL:        h.URL,
		EventTypes: h.EventTypes,
		Active:     h.Active,
		CreatedAt:  h.CreatedAt,
	}
}

// CreateWebhook subscribes an endpoint to event types. "*" subscribes to
// everything.
func (s *Server) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	var req webhookReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.URL == "" {
		writeError(w, r, errs.Invalid("webhook url is required"))
		return
	}
	if len(req.EventTypes) == 0 {
		writeError(w, r, errs.Invalid("at least one event type is required"))
		return
	}
	hook := &store.Webhook{
		Name:       req.Name,
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Headers:    req.Headers,
		Active:     true,
	}
	if err := s.Store.Webhooks().Add(r.Context(), hook); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "webhook.created", "webhook", hook.ID, audit.ResultSuccess,
		map[string]any{"url": hook.URL})
	writeJSON(w, http.StatusCreated, toWebhookResp(hook))
}

// ListWebhooks returns the tenant's webhooks, header values excluded
func (s *Server) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemConfig) == nil {
		return
	}
	hooks, err := s.Store.Webhooks().ListByTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]webhookResp, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toWebhookResp(h))
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteWebhook removes a subscription
func (s *Server) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	webhookID, err := pathID(r, "webhookID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Store.Webhooks().SoftDelete(r.Context(), webhookID); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "webhook.deleted", "webhook", webhookID, audit.ResultSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

type deliveryResp struct {
	ID          uuid.UUID `json:"id"`
	WebhookID   uuid.UUID `json:"webhookId"`
	EventType   string    `json:"eventType"`
	StatusCode  int       `json:"statusCode"`
	Error       string    `json:"error,omitempty"`
	Retryable   bool      `json:"retryable"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

func toDeliveryResp(d *store.WebhookDelivery) deliveryResp {
	return deliveryResp{
		ID:          d.ID,
		WebhookID:   d.WebhookID,
		EventType:   d.EventType,
		StatusCode:  d.StatusCode,
		Error:       d.Error,
		Retryable:   d.Retryable,
		AttemptedAt: d.AttemptedAt,
	}
}

// TestWebhook fires a synthetic event at the endpoint
func (s *Server) TestWebhook(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	webhookID, err := pathID(r, "webhookID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.Webhooks.Test(r.Context(), webhookID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "webhook.tested", "webhook", webhookID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, toDeliveryResp(rec))
}

// ListDeliveries returns recent delivery attempts for a webhook
func (s *Server) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemConfig) == nil {
		return
	}
	webhookID, err := pathID(r, "webhookID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	recs, err := s.Store.Deliveries().ListByWebhook(r.Context(), webhookID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]deliveryResp, 0, len(recs))
	for _, d := range recs {
		out = append(out, toDeliveryResp(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// RetryDelivery re-sends a failed, retryable delivery
func (s *Server) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	deliveryID, err := pathID(r, "deliveryID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.Webhooks.Retry(r.Context(), deliveryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "webhook.delivery_retried", "webhook_delivery", deliveryID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, toDeliveryResp(rec))
}

type retentionPolicyReq struct {
	EntityType    string `json:"entityType"`
	RetentionDays int    `json:"retentionDays"`
	Action        string `json:"action"`
}

type retentionPolicyResp struct {
	ID            uuid.UUID `json:"id"`
	EntityType    string    `json:"entityType"`
	RetentionDays int       `json:"retentionDays"`
	Action        string    `json:"action"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toRetentionPolicyResp(p *store.RetentionPolicy) retentionPolicyResp {
	return retentionPolicyResp{
		ID:            p.ID,
		EntityType:    p.EntityType,
		RetentionDays: int(p.RetentionPeriod / (24 * time.Hour)),
		Action:        string(p.Action),
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
	}
}

// CreateRetentionPolicy registers an aging-out rule for one entity type
func (s *Server) CreateRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemRetain)
	if id == nil {
		return
	}
	var req retentionPolicyReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.EntityType != retention.EntityQueueEvent && req.EntityType != retention.EntityAudit {
		writeError(w, r, errs.Invalid("unsupported retention entity type: "+req.EntityType))
		return
	}
	if req.RetentionDays <= 0 {
		writeError(w, r, errs.Invalid("retentionDays must be positive"))
		return
	}
	action := store.RetentionAction(req.Action)
	if action == "" {
		action = store.RetentionDelete
	}
	if action != store.RetentionDelete && action != store.RetentionArchive {
		writeError(w, r, errs.Invalid("action must be delete or archive"))
		return
	}
	p := &store.RetentionPolicy{
		EntityType:      req.EntityType,
		RetentionPeriod: time.Duration(req.RetentionDays) * 24 * time.Hour,
		Action:          action,
		Active:          true,
	}
	if err := s.Store.Retention().AddPolicy(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "retention.policy_created", "retention_policy", p.ID, audit.ResultSuccess,
		map[string]any{"entityType": p.EntityType})
	writeJSON(w, http.StatusCreated, toRetentionPolicyResp(p))
}

// ListRetentionPolicies returns the tenant's policies
func (s *Server) ListRetentionPolicies(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemRetain) == nil {
		return
	}
	policies, err := s.Store.Retention().ListPolicies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]retentionPolicyResp, 0, len(policies))
	for _, p := range policies {
		out = append(out, toRetentionPolicyResp(p))
	}
	writeJSON(w, http.StatusOK, out)
}

type executionResp struct {
	ID       uuid.UUID `json:"id"`
	PolicyID uuid.UUID `json:"policyId"`
	Affected int       `json:"affected"`
	Duration float64   `json:"durationSeconds"`
	RanAt    time.Time `json:"ranAt"`
	Error    string    `json:"error,omitempty"`
}

func toExecutionResp(e *store.RetentionExecution) executionResp {
	return executionResp{
		ID:       e.ID,
		PolicyID: e.PolicyID,
		Affected: e.Affected,
		Duration: e.Duration.Seconds(),
		RanAt:    e.RanAt,
		Error:    e.Error,
	}
}

// ApplyRetentionPolicy runs one policy now
func (s *Server) ApplyRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemRetain)
	if id == nil {
		return
	}
	policyID, err := pathID(r, "policyID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.Retention.ApplyOne(r.Context(), policyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "retention.applied", "retention_policy", policyID, audit.ResultSuccess,
		map[string]any{"affected": exec.Affected})
	writeJSON(w, http.StatusOK, toExecutionResp(exec))
}

// ListRetentionExecutions returns a policy's run history
func (s *Server) ListRetentionExecutions(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemRetain) == nil {
		return
	}
	policyID, err := pathID(r, "policyID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	execs, err := s.Store.Retention().ListExecutions(r.Context(), policyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]executionResp, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResp(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// ApplyAllRetention runs every active policy for the tenant
func (s *Server) ApplyAllRetention(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemRetain)
	if id == nil {
		return
	}
	execs, err := s.Retention.ApplyAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "retention.applied_all", "retention_policy", uuid.Nil, audit.ResultSuccess,
		map[string]any{"policies": len(execs)})
	out := make([]executionResp, 0, len(execs))
	for _, e := range execs {
		out = append(out, toExecutionResp(e))
	}
	writeJSON(w, http.StatusOK, out)
}

type backupResp struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Location  string    `json:"location,omitempty"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toBackupResp(b *store.Backup) backupResp {
	return backupResp{
		ID:        b.ID,
		Status:    string(b.Status),
		Location:  b.Location,
		SizeBytes: b.SizeBytes,
		Checksum:  b.Checksum,
		CreatedAt: b.CreatedAt,
	}
}

// CreateBackup takes a snapshot now
func (s *Server) CreateBackup(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemBackup)
	if id == nil {
		return
	}
	b, err := s.Backups.Create(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "backup.created", "backup", b.ID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusCreated, toBackupResp(b))
}

// ListBackups returns backup records, oldest first
func (s *Server) ListBackups(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemBackup) == nil {
		return
	}
	backups, err := s.Backups.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]backupResp, 0, len(backups))
	for _, b := range backups {
		out = append(out, toBackupResp(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// VerifyBackup re-checks a completed snapshot against its recorded
// size and checksum
func (s *Server) VerifyBackup(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemBackup)
	if id == nil {
		return
	}
	backupID, err := pathID(r, "backupID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Backups.Verify(r.Context(), backupID); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "backup.verified", "backup", backupID, audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// QueryAudit filters the audit trail
func (s *Server) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemConfig) == nil {
		return
	}
	q := r.URL.Query()
	f := store.AuditFilter{
		Actor:      q.Get("actor"),
		EntityType: q.Get("entityType"),
		Limit:      parseLimit(q.Get("limit"), 100, 1000),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, errs.Invalid("from must be RFC 3339"))
			return
		}
		f.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, errs.Invalid("to must be RFC 3339"))
			return
		}
		f.To = ts
	}
	entries, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	type auditResp struct {
		ID         uuid.UUID `json:"id"`
		Actor      string    `json:"actor"`
		Action     string    `json:"action"`
		EntityType string    `json:"entityType,omitempty"`
		EntityID   uuid.UUID `json:"entityId,omitempty"`
		Result     string    `json:"result"`
		Timestamp  time.Time `json:"timestamp"`
	}
	out := make([]auditResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResp{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     e.Action,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Result:     e.Result,
			Timestamp:  e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
