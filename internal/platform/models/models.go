package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event types in the canonical vocabulary. Ghost sends "member.added" etc;
// the normalizer strips the prefix.
const (
	EventAdded   = "added"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Member statuses recognized by Ghost.
const (
	StatusFree   = "free"
	StatusPaid   = "paid"
	StatusComped = "comped"
)

// SiteContext is the immutable per-site identity: one Ghost site mapped to
// one Campaign Monitor list. Built once at startup from config.
type SiteContext struct {
	SiteID           string `json:"site_id"`
	WebhookSecret    string `json:"-"`
	CMAPIKey         string `json:"-"`
	CMListID         string `json:"cm_list_id"`
	GhostURL         string `json:"ghost_url,omitempty"`
	GhostAdminAPIKey string `json:"-"`
}

// MemberEvent is the canonical unit of work flowing through the pipeline.
type MemberEvent struct {
	EventID         string    `json:"event_id"`
	SiteID          string    `json:"site_id"`
	EventType       string    `json:"event_type"`
	MemberID        string    `json:"member_id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Labels          []string  `json:"labels"`
	EmailEnabled    bool      `json:"email_enabled"`
	SignupAt        time.Time `json:"signup_at"`
	SourceUpdatedAt time.Time `json:"source_updated_at"`
	ReceivedAt      time.Time `json:"received_at"`
}

// IdempotencyKey collapses duplicate deliveries of the same logical event.
func (e *MemberEvent) IdempotencyKey() string {
	h := sha256.Sum256([]byte(e.SiteID + "|" + e.MemberID + "|" + e.EventType + "|" + e.SourceUpdatedAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h[:16])
}

// QueuedWorkItem is a MemberEvent plus its retry bookkeeping. AttemptCount
// and NextAttemptAt mutate on each reschedule; the event never does.
type QueuedWorkItem struct {
	ID              string          `json:"id"`
	Event           MemberEvent     `json:"event"`
	IdempotencyKey  string          `json:"idempotency_key"`
	AttemptCount    int             `json:"attempt_count"`
	FirstEnqueuedAt time.Time       `json:"first_enqueued_at"`
	NextAttemptAt   time.Time       `json:"next_attempt_at"`
	AttemptHistory  []AttemptRecord `json:"attempt_history,omitempty"`
}

// SubscriberRecord is the Campaign Monitor side view of a member: email,
// name, and the ghost_* custom field set. The pipeline reads then
// conditionally overwrites it; it never assumes it is the sole writer.
type SubscriberRecord struct {
	Email                string `json:"email"`
	Name                 string `json:"name"`
	GhostStatus          string `json:"ghost_status"`
	GhostSignupDate      string `json:"ghost_signup_date"`
	GhostLastUpdated     string `json:"ghost_last_updated"`
	GhostStatusChangedAt string `json:"ghost_status_changed_at"`
	GhostPreviousStatus  string `json:"ghost_previous_status"`
	GhostLabels          string `json:"ghost_labels"`
	GhostEmailEnabled    string `json:"ghost_email_enabled"`
}

// LastUpdatedTime parses ghost_last_updated. A zero time means the field was
// absent or unparseable, which the ordering guard treats as "no prior write".
func (r *SubscriberRecord) LastUpdatedTime() time.Time {
	if r == nil || r.GhostLastUpdated == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.GhostLastUpdated)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AttemptRecord is one delivery attempt in a DLQ entry's history.
type AttemptRecord struct {
	At         time.Time `json:"at"`
	ErrorClass string    `json:"error_class"`
	Error      string    `json:"error"`
}

// DeadLetterEntry is the terminal home of an event that exhausted its retry
// budget or failed fatally.
type DeadLetterEntry struct {
	Event          MemberEvent     `json:"event"`
	FailureReason  string          `json:"failure_reason"`
	AttemptHistory []AttemptRecord `json:"attempt_history"`
	MovedAt        time.Time       `json:"moved_at"`
}

// BreakerState is a read-only snapshot of one site's circuit breaker,
// reported by /health.
type BreakerState struct {
	SiteID              string     `json:"site_id"`
	Open                bool       `json:"open"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// SyncResult is the structured completion record emitted once per processed
// work item.
type SyncResult struct {
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	MemberID   string    `json:"member_id"`
	EmailHash  string    `json:"email_hash"`
	Outcome    string    `json:"outcome"` // succeeded, stale_skip, retrying, dead_lettered
	ErrorClass string    `json:"error_class,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	LatencyMS  int64     `json:"latency_ms"`
	CreatedAt  int64     `json:"created_at"`
	StatusFrom string    `json:"status_from,omitempty"`
	StatusTo   string    `json:"status_to,omitempty"`
}
