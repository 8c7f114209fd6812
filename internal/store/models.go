package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/vqueue/internal/clock"
)

// Role is a principal's coarse role within a tenant
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
	RoleGuest   Role = "guest"
	RoleAPIUser Role = "api_user"
)

// UserStatus gates authentication
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserInactive  UserStatus = "inactive"
	UserSuspended UserStatus = "suspended"
	UserPending   UserStatus = "pending"
)

// SessionStatus is a visitor's place in the lifecycle. Status only ever
// advances; a session never re-enters an earlier state.
type SessionStatus string

const (
	SessionWaiting  SessionStatus = "waiting"
	SessionServing  SessionStatus = "serving"
	SessionReleased SessionStatus = "released"
	SessionDropped  SessionStatus = "dropped"
)

// Terminal reports whether the status admits no further transitions
func (s SessionStatus) Terminal() bool {
	return s == SessionReleased || s == SessionDropped
}

// Priority orders sessions within a queue. Higher releases first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityStandard Priority = 1
	PriorityPremium  Priority = 2
	PriorityVIP      Priority = 3
)

// DropReason records who ended a waiting session
type DropReason string

const (
	DropByUser    DropReason = "user"
	DropByTimeout DropReason = "timeout"
	DropByAdmin   DropReason = "admin"
)

// Tenant owns every other record
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Domain    string
	APIKey    string
	Active    bool
	CreatedAt time.Time
	Deleted   bool
	Version   int
}

// User is a tenant-scoped operator account
type User struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Username         string
	Email            string
	PasswordHash     string
	FirstName        string
	LastName         string
	Phone            string
	Role             Role
	Status           UserStatus
	LastLoginAt      *time.Time
	EmailVerifiedAt  *time.Time
	PhoneVerifiedAt  *time.Time
	TwoFactorEnabled bool
	TwoFactorSecret  string
	RefreshToken     string
	RefreshExpiresAt *time.Time
	Metadata         map[string]any
	CreatedAt        time.Time
	Deleted          bool
	Version          int
}

// Queue is a named waiting line with a release rate and a schedule
type Queue struct {
	ID                   uuid.UUID
	TenantID             uuid.UUID
	Name                 string
	Description          string
	MaxConcurrentUsers   int
	ReleaseRatePerMinute float64
	Active               bool
	LastReleaseAt        *time.Time
	Schedule             clock.Schedule
	CreatedAt            time.Time
	Deleted              bool
	Version              int
}

// Session is one visitor's membership in one queue
type Session struct {
	ID             uuid.UUID
	QueueID        uuid.UUID
	TenantID       uuid.UUID
	UserIdentifier string
	Status         SessionStatus
	Priority       Priority
	EnqueuedAt     time.Time
	ReleasedAt     *time.Time // also the exit time for dropped sessions
	ServedAt       *time.Time
	Position       int
	Metadata       map[string]any
	Version        int
}

// QueueEvent is the append-only record of admissions, releases and drops
type QueueEvent struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	QueueID   uuid.UUID
	SessionID *uuid.UUID
	EventType string
	Timestamp time.Time
	Metadata  map[string]any
	IP        string
	UserAgent string
}

// APIKey is a revocable machine credential bound to a tenant
type APIKey struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Name        string
	KeyHash     string
	Permissions []string
	Active      bool
	LastUsedAt  *time.Time
	CreatedAt   time.Time
	Deleted     bool
	Version     int
}

// Webhook is a tenant-configured event subscriber
type Webhook struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	URL        string
	EventTypes []string
	Headers    map[string]string
	Active     bool
	CreatedAt  time.Time
	Deleted    bool
	Version    int
}

// WebhookDelivery records one delivery attempt to a webhook endpoint
type WebhookDelivery struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	WebhookID   uuid.UUID
	EventType   string
	Payload     []byte
	StatusCode  int
	Error       string
	Retryable   bool
	AttemptedAt time.Time
}

// AuditEntry records one mutation. Never updated after insert.
type AuditEntry struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Actor      string
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Before     map[string]any
	After      map[string]any
	IP         string
	UserAgent  string
	Result     string
	Timestamp  time.Time
}

// RetentionAction is what happens to records past the cutoff
type RetentionAction string

const (
	RetentionDelete  RetentionAction = "delete"
	RetentionArchive RetentionAction = "archive"
)

// RetentionPolicy ages out old records per entity type
type RetentionPolicy struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	EntityType      string
	RetentionPeriod time.Duration
	Action          RetentionAction
	Criteria        map[string]any
	Active          bool
	CreatedAt       time.Time
	Deleted         bool
	Version         int
}

// RetentionExecution records one policy run
type RetentionExecution struct {
	ID       uuid.UUID
	PolicyID uuid.UUID
	TenantID uuid.UUID
	Affected int
	Duration time.Duration
	RanAt    time.Time
	Error    string
}

// BackupStatus is the snapshot lifecycle
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// Backup is an opaque snapshot. TenantID is nil for system-wide backups.
type Backup struct {
	ID        uuid.UUID
	TenantID  *uuid.UUID
	Status    BackupStatus
	Location  string
	SizeBytes int64
	Checksum  string
	CreatedAt time.Time
	Version   int
}

// Alert is a tenant-visible operational notice. No repository persists
// alerts yet; storage lands with the alerting surface.
type Alert struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Severity  string
	Message   string
	Resolved  bool
	CreatedAt time.Time
	Deleted   bool
	Version   int
}

// Integration and Rule are supporting records carried for completeness of
// the tenant namespace. They have no repository and nothing in the engine
// reads or writes them yet.
type Integration struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Kind      string
	Config    map[string]any
	Active    bool
	CreatedAt time.Time
	Deleted   bool
	Version   int
}

type Rule struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Condition map[string]any
	Action    map[string]any
	Active    bool
	CreatedAt time.Time
	Deleted   bool
	Version   int
}

// NotificationTemplate is a per-channel message template. Templates have
// no repository yet; the notification sinks render fixed messages.
type NotificationTemplate struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Channel   string
	Name      string
	Subject   string
	Body      string
	CreatedAt time.Time
	Deleted   bool
	Version   int
}
