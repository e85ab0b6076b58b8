package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"membersync/internal/platform/models"
)

// FailureClass buckets every failed Sink call. The processor's routing
// depends on exactly one class per failure.
type FailureClass string

const (
	ClassTransient   FailureClass = "transient"
	ClassRateLimited FailureClass = "rate_limited"
	ClassNotFound    FailureClass = "not_found"
	ClassFatal       FailureClass = "fatal"
)

// Retriable reports whether a failure of this class should be retried.
// Rate limits are transient; the breaker still counts them.
func (c FailureClass) Retriable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// Error is a classified Campaign Monitor failure.
type Error struct {
	Class      FailureClass
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("campaign monitor: %s (%s, status %d)", e.Message, e.Class, e.StatusCode)
	}
	return fmt.Sprintf("campaign monitor: %s (%s)", e.Message, e.Class)
}

// cmErrorBody is Campaign Monitor's error envelope. Code 203 on a 400 means
// "subscriber not found".
type cmErrorBody struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

const subscriberNotFoundCode = 203

type cmCustomField struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type cmSubscriber struct {
	EmailAddress string          `json:"EmailAddress"`
	Name         string          `json:"Name"`
	State        string          `json:"State,omitempty"`
	CustomFields []cmCustomField `json:"CustomFields"`
}

type cmUpsertPayload struct {
	EmailAddress   string          `json:"EmailAddress"`
	Name           string          `json:"Name"`
	CustomFields   []cmCustomField `json:"CustomFields"`
	Resubscribe    bool            `json:"Resubscribe"`
	ConsentToTrack string          `json:"ConsentToTrack"`
}

// Client talks to Campaign Monitor for a single site's list. Clients are
// constructed once at startup, one per configured site, and handed to the
// processor by reference; there is no ambient shared client.
type Client struct {
	site    *models.SiteContext
	baseURL string
	httpc   *http.Client
}

func NewClient(site *models.SiteContext, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		site:    site,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Fetch looks up a subscriber by email. Absence returns (nil, nil); it is
// not an error.
func (c *Client) Fetch(ctx context.Context, email string) (*models.SubscriberRecord, error) {
	u := fmt.Sprintf("%s/subscribers/%s.json?email=%s",
		c.baseURL, c.site.CMListID, url.QueryEscape(email))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Class: ClassFatal, Message: err.Error()}
	}
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var sub cmSubscriber
		if err := json.Unmarshal(body, &sub); err != nil {
			return nil, &Error{Class: ClassTransient, StatusCode: resp.StatusCode, Message: "unparseable subscriber response"}
		}
		return recordFromSubscriber(&sub), nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusBadRequest:
		var cmErr cmErrorBody
		if json.Unmarshal(body, &cmErr) == nil && cmErr.Code == subscriberNotFoundCode {
			return nil, nil
		}
		return nil, classify(resp.StatusCode, body)
	default:
		return nil, classify(resp.StatusCode, body)
	}
}

// Upsert creates or updates a subscriber, keyed by email.
func (c *Client) Upsert(ctx context.Context, record *models.SubscriberRecord) error {
	payload := cmUpsertPayload{
		EmailAddress:   record.Email,
		Name:           record.Name,
		CustomFields:   customFieldsFromRecord(record),
		Resubscribe:    true,
		ConsentToTrack: "Yes",
	}

	resp, body, err := c.post(ctx, fmt.Sprintf("%s/subscribers/%s.json", c.baseURL, c.site.CMListID), payload)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	return classify(resp.StatusCode, body)
}

// Unsubscribe soft-deletes a subscriber. An address the Sink does not know
// is success: deletes are idempotent.
func (c *Client) Unsubscribe(ctx context.Context, email string) error {
	payload := struct {
		EmailAddress string `json:"EmailAddress"`
	}{EmailAddress: email}

	resp, body, err := c.post(ctx, fmt.Sprintf("%s/subscribers/%s/unsubscribe.json", c.baseURL, c.site.CMListID), payload)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		var cmErr cmErrorBody
		if json.Unmarshal(body, &cmErr) == nil && cmErr.Code == subscriberNotFoundCode {
			return nil
		}
		return classify(resp.StatusCode, body)
	default:
		return classify(resp.StatusCode, body)
	}
}

func (c *Client) post(ctx context.Context, u string, payload interface{}) (*http.Response, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, &Error{Class: ClassFatal, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, &Error{Class: ClassFatal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient; the retry
		// scheduler owns what happens next.
		return nil, nil, &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body, nil
}

// Campaign Monitor authenticates with the API key as basic auth username.
func (c *Client) auth(req *http.Request) {
	req.SetBasicAuth(c.site.CMAPIKey, "")
}

func classify(status int, body []byte) *Error {
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Class: ClassRateLimited, StatusCode: status, Message: msg}
	case status >= 500:
		return &Error{Class: ClassTransient, StatusCode: status, Message: msg}
	default:
		return &Error{Class: ClassFatal, StatusCode: status, Message: msg}
	}
}

func recordFromSubscriber(sub *cmSubscriber) *models.SubscriberRecord {
	record := &models.SubscriberRecord{
		Email: sub.EmailAddress,
		Name:  sub.Name,
	}
	for _, f := range sub.CustomFields {
		switch f.Key {
		case "ghost_status":
			record.GhostStatus = f.Value
		case "ghost_signup_date":
			record.GhostSignupDate = f.Value
		case "ghost_last_updated":
			record.GhostLastUpdated = f.Value
		case "ghost_status_changed_at":
			record.GhostStatusChangedAt = f.Value
		case "ghost_previous_status":
			record.GhostPreviousStatus = f.Value
		case "ghost_labels":
			record.GhostLabels = f.Value
		case "ghost_email_enabled":
			record.GhostEmailEnabled = f.Value
		}
	}
	return record
}

func customFieldsFromRecord(record *models.SubscriberRecord) []cmCustomField {
	fields := []cmCustomField{
		{Key: "ghost_status", Value: record.GhostStatus},
		{Key: "ghost_signup_date", Value: record.GhostSignupDate},
		{Key: "ghost_last_updated", Value: record.GhostLastUpdated},
		{Key: "ghost_labels", Value: record.GhostLabels},
		{Key: "ghost_email_enabled", Value: record.GhostEmailEnabled},
	}
	if record.GhostPreviousStatus != "" {
		fields = append(fields, cmCustomField{Key: "ghost_previous_status", Value: record.GhostPreviousStatus})
	}
	if record.GhostStatusChangedAt != "" {
		fields = append(fields, cmCustomField{Key: "ghost_status_changed_at", Value: record.GhostStatusChangedAt})
	}
	return fields
}
