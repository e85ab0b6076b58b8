package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"membersync/internal/pkg/validator"
	"membersync/internal/platform/models"
)

// ValidationError marks a payload that must be rejected at the HTTP layer
// rather than queued.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "normalize: " + e.Reason
}

// ghostLabel matches Ghost's member label objects.
type ghostLabel struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ghostMember struct {
	ID         string       `json:"id"`
	Email      string       `json:"email"`
	Name       string       `json:"name"`
	Status     string       `json:"status"`
	Subscribed *bool        `json:"subscribed"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Labels     []ghostLabel `json:"labels"`
}

// ghostPayload is the webhook body Ghost sends: the member's current state,
// plus its previous state on update/delete events.
type ghostPayload struct {
	Member struct {
		Current  ghostMember  `json:"current"`
		Previous *ghostMember `json:"previous"`
	} `json:"member"`
}

// Event maps a raw Ghost webhook payload into the canonical MemberEvent.
// Unknown event types and unparseable payloads are validation errors; they
// must never pollute the queue or the dead letter store.
func Event(siteID, eventType string, raw []byte) (*models.MemberEvent, error) {
	eventType = canonicalType(eventType)
	if eventType == "" {
		return nil, &ValidationError{Reason: "unknown event type"}
	}

	var payload ghostPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ValidationError{Reason: "unparseable payload: " + err.Error()}
	}

	member := payload.Member.Current
	// Ghost delete events carry the member data in previous, not current.
	if eventType == models.EventDeleted && member.Email == "" && payload.Member.Previous != nil {
		member = *payload.Member.Previous
	}

	if member.Email == "" && member.ID == "" {
		return nil, &ValidationError{Reason: "payload has no member data"}
	}

	if eventType != models.EventDeleted {
		if err := validator.ValidEmail(member.Email); err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
	}

	status, err := canonicalStatus(member.Status, eventType)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(member.Labels))
	for _, l := range member.Labels {
		labels = append(labels, l.Name)
	}

	subscribed := true
	if member.Subscribed != nil {
		subscribed = *member.Subscribed
	}

	sourceUpdated := member.UpdatedAt
	if sourceUpdated.IsZero() {
		sourceUpdated = member.CreatedAt
	}

	return &models.MemberEvent{
		EventID:         uuid.New().String(),
		SiteID:          siteID,
		EventType:       eventType,
		MemberID:        member.ID,
		Email:           member.Email,
		Name:            member.Name,
		Status:          status,
		Labels:          labels,
		EmailEnabled:    subscribed,
		SignupAt:        member.CreatedAt,
		SourceUpdatedAt: sourceUpdated,
		ReceivedAt:      time.Now().UTC(),
	}, nil
}

// canonicalType accepts both the short vocabulary and Ghost's dotted names.
func canonicalType(eventType string) string {
	eventType = strings.TrimPrefix(strings.TrimSpace(eventType), "member.")
	switch eventType {
	case models.EventAdded, models.EventUpdated, models.EventDeleted:
		return eventType
	}
	return ""
}

func canonicalStatus(status, eventType string) (string, error) {
	switch status {
	case models.StatusFree, models.StatusPaid, models.StatusComped:
		return status, nil
	case "":
		// Deletes only need identity; status is irrelevant.
		if eventType == models.EventDeleted {
			return "", nil
		}
		return "", &ValidationError{Reason: "member has no status"}
	}
	return "", &ValidationError{Reason: fmt.Sprintf("unrecognized member status %q", status)}
}
