package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"membersync/internal/platform/models"
)

func testSite() *models.SiteContext {
	return &models.SiteContext{
		SiteID:   "main",
		CMAPIKey: "key-main",
		CMListID: "list-abc",
	}
}

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(testSite(), srv.URL, 5*time.Second), srv
}

func TestFetch_ParsesCustomFields(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscribers/list-abc.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("email") != "jane@example.com" {
			t.Errorf("email query = %s", r.URL.Query().Get("email"))
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != "key-main" {
			t.Errorf("basic auth user = %q, want the API key", user)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"EmailAddress": "jane@example.com",
			"Name":         "Jane Doe",
			"CustomFields": []map[string]string{
				{"Key": "ghost_status", "Value": "paid"},
				{"Key": "ghost_last_updated", "Value": "2026-08-01T10:00:00Z"},
				{"Key": "ghost_previous_status", "Value": "free"},
				{"Key": "ghost_labels", "Value": "VIP,Beta"},
			},
		})
	})
	defer srv.Close()

	record, err := client.Fetch(context.Background(), "jane@example.com")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if record == nil {
		t.Fatal("Fetch() = nil record")
	}
	if record.GhostStatus != "paid" || record.GhostPreviousStatus != "free" {
		t.Errorf("record = %+v, custom fields not mapped", record)
	}
	want := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if !record.LastUpdatedTime().Equal(want) {
		t.Errorf("LastUpdatedTime() = %v, want %v", record.LastUpdatedTime(), want)
	}
}

func TestFetch_AbsenceIsNotAnError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http 404", http.StatusNotFound, `{"Code":1,"Message":"not found"}`},
		{"code 203 on 400", http.StatusBadRequest, `{"Code":203,"Message":"Subscriber not in list"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			record, err := client.Fetch(context.Background(), "ghost@example.com")
			if err != nil {
				t.Fatalf("Fetch() error = %v, want nil for an absent subscriber", err)
			}
			if record != nil {
				t.Errorf("Fetch() = %+v, want nil", record)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass FailureClass
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", ClassRateLimited},
		{"server error", http.StatusInternalServerError, "oops", ClassTransient},
		{"bad gateway", http.StatusBadGateway, "upstream", ClassTransient},
		{"auth failure", http.StatusUnauthorized, `{"Code":50,"Message":"invalid key"}`, ClassFatal},
		{"validation failure", http.StatusBadRequest, `{"Code":1,"Message":"invalid email"}`, ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			err := client.Upsert(context.Background(), &models.SubscriberRecord{Email: "x@example.com"})
			if err == nil {
				t.Fatal("Upsert() error = nil, want classified failure")
			}
			var sinkErr *Error
			if !errors.As(err, &sinkErr) {
				t.Fatalf("error type = %T", err)
			}
			if sinkErr.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", sinkErr.Class, tt.wantClass)
			}
		})
	}
}

func TestClassification_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewClient(testSite(), srv.URL, time.Second)
	err := client.Upsert(context.Background(), &models.SubscriberRecord{Email: "x@example.com"})
	var sinkErr *Error
	if !errors.As(err, &sinkErr) || sinkErr.Class != ClassTransient {
		t.Errorf("connection failure classified as %v, want transient", err)
	}
}

func TestRetriable(t *testing.T) {
	if !ClassTransient.Retriable() || !ClassRateLimited.Retriable() {
		t.Error("transient and rate_limited must be retriable")
	}
	if ClassFatal.Retriable() || ClassNotFound.Retriable() {
		t.Error("fatal and not_found must not be retriable")
	}
}

func TestUpsert_PayloadShape(t *testing.T) {
	var got cmUpsertPayload
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscribers/list-abc.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})
	defer srv.Close()

	record := &models.SubscriberRecord{
		Email:                "jane@example.com",
		Name:                 "Jane Doe",
		GhostStatus:          "paid",
		GhostSignupDate:      "2024-01-10",
		GhostLastUpdated:     "2026-08-01T10:00:00Z",
		GhostLabels:          "VIP,Beta",
		GhostEmailEnabled:    "true",
		GhostPreviousStatus:  "free",
		GhostStatusChangedAt: "2026-08-01T10:00:00Z",
	}
	if err := client.Upsert(context.Background(), record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if !got.Resubscribe {
		t.Error("Resubscribe = false, want true")
	}
	if got.ConsentToTrack != "Yes" {
		t.Errorf("ConsentToTrack = %q, want Yes", got.ConsentToTrack)
	}

	fields := map[string]string{}
	for _, f := range got.CustomFields {
		fields[f.Key] = f.Value
	}
	if fields["ghost_status"] != "paid" || fields["ghost_previous_status"] != "free" {
		t.Errorf("custom fields = %v", fields)
	}
	if fields["ghost_email_enabled"] != "true" {
		t.Errorf("ghost_email_enabled = %q", fields["ghost_email_enabled"])
	}
}

func TestUpsert_OmitsEmptyStatusBookkeeping(t *testing.T) {
	var got cmUpsertPayload
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	record := &models.SubscriberRecord{Email: "new@example.com", GhostStatus: "free"}
	if err := client.Upsert(context.Background(), record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	for _, f := range got.CustomFields {
		if f.Key == "ghost_previous_status" || f.Key == "ghost_status_changed_at" {
			t.Errorf("field %s sent despite empty value", f.Key)
		}
	}
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"subscriber exists", http.StatusOK, "{}"},
		{"already gone 404", http.StatusNotFound, "{}"},
		{"already gone code 203", http.StatusBadRequest, `{"Code":203,"Message":"Subscriber not in list"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/subscribers/list-abc/unsubscribe.json" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			defer srv.Close()

			if err := client.Unsubscribe(context.Background(), "gone@example.com"); err != nil {
				t.Errorf("Unsubscribe() error = %v, want nil", err)
			}
		})
	}
}
