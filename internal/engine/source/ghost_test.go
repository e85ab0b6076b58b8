package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"membersync/internal/platform/models"
)

const testKeySecret = "5f2b1c8d3e4a6f7081920a3b4c5d6e7f"

func testGhostSite(url string) *models.SiteContext {
	return &models.SiteContext{
		SiteID:           "main",
		GhostURL:         url,
		GhostAdminAPIKey: "keyid123:" + testKeySecret,
	}
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		site *models.SiteContext
	}{
		{"no ghost url", &models.SiteContext{SiteID: "a", GhostAdminAPIKey: "id:abcd"}},
		{"no admin key", &models.SiteContext{SiteID: "a", GhostURL: "https://blog.example.com"}},
		{"key missing secret part", &models.SiteContext{SiteID: "a", GhostURL: "https://blog.example.com", GhostAdminAPIKey: "justanid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.site); err == nil {
				t.Error("NewClient() error = nil, want config error")
			}
		})
	}
}

func TestToken(t *testing.T) {
	client, err := NewClient(testGhostSite("https://blog.example.com"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	tok, err := client.token()
	if err != nil {
		t.Fatalf("token() error = %v", err)
	}

	key, _ := hex.DecodeString(testKeySecret)
	parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("alg = %s", t.Method.Alg())
		}
		return key, nil
	}, jwt.WithAudience("/admin/"))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if kid, _ := parsed.Header["kid"].(string); kid != "keyid123" {
		t.Errorf("kid header = %q, want the key id", kid)
	}
}

func TestListMembers_Pagination(t *testing.T) {
	page2 := `{"members":[{"id":"m3","email":"c@example.com","name":"C","status":"comped",
		"created_at":"2024-01-03T00:00:00Z","updated_at":"2024-06-03T00:00:00Z",
		"labels":[],"newsletters":[]}],
		"meta":{"pagination":{"next":null}}}`
	page1 := `{"members":[
		{"id":"m1","email":"a@example.com","name":"A","status":"free",
		 "created_at":"2024-01-01T00:00:00Z","updated_at":"2024-06-01T00:00:00Z",
		 "labels":[{"name":"VIP"}],"newsletters":[{"id":"n1"}]},
		{"id":"m2","email":"","name":"no email","status":"free",
		 "created_at":"2024-01-02T00:00:00Z","updated_at":"2024-06-02T00:00:00Z",
		 "labels":[],"newsletters":[]}],
		"meta":{"pagination":{"next":2}}}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Ghost ") {
			t.Errorf("Authorization = %q, want Ghost token", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept-Version") != "v5.0" {
			t.Errorf("Accept-Version = %q", r.Header.Get("Accept-Version"))
		}
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, page1)
		case "2":
			fmt.Fprint(w, page2)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))
	defer srv.Close()

	client, err := NewClient(testGhostSite(srv.URL))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	var events []*models.MemberEvent
	total, err := client.ListMembers(context.Background(), func(e *models.MemberEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	// The member with no email is skipped.
	if total != 2 || len(events) != 2 {
		t.Fatalf("total = %d, events = %d, want 2", total, len(events))
	}

	first := events[0]
	if first.EventType != models.EventUpdated {
		t.Errorf("EventType = %q, resync must synthesize updated events", first.EventType)
	}
	if !first.EmailEnabled {
		t.Error("EmailEnabled = false for a member with newsletters")
	}
	if len(first.Labels) != 1 || first.Labels[0] != "VIP" {
		t.Errorf("Labels = %v", first.Labels)
	}
	if events[1].EmailEnabled {
		t.Error("EmailEnabled = true for a member with no newsletters")
	}
}

func TestListMembers_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(testGhostSite(srv.URL))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := client.ListMembers(context.Background(), func(*models.MemberEvent) error { return nil }); err == nil {
		t.Error("ListMembers() error = nil on a 403 response")
	}
}
