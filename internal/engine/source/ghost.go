package source

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"membersync/internal/platform/models"
)

// Client reads members from the Ghost Admin API. Only the full-resync tool
// uses it; webhook delivery never touches Ghost.
type Client struct {
	site  *models.SiteContext
	httpc *http.Client
}

func NewClient(site *models.SiteContext) (*Client, error) {
	if site.GhostURL == "" || site.GhostAdminAPIKey == "" {
		return nil, fmt.Errorf("source: site %q has no ghost_url/ghost_admin_api_key configured", site.SiteID)
	}
	if !strings.Contains(site.GhostAdminAPIKey, ":") {
		return nil, fmt.Errorf("source: admin api key must be in id:secret form")
	}
	return &Client{
		site:  site,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// token builds the short-lived JWT the Admin API requires: HS256 signed
// with the hex-decoded key secret, kid header set to the key id, audience
// "/admin/".
func (c *Client) token() (string, error) {
	id, secret, _ := strings.Cut(c.site.GhostAdminAPIKey, ":")
	key, err := hex.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("source: admin api key secret is not hex: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		Audience:  jwt.ClaimStrings{"/admin/"},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = id
	return token.SignedString(key)
}

type ghostMembersPage struct {
	Members []struct {
		ID        string    `json:"id"`
		Email     string    `json:"email"`
		Name      string    `json:"name"`
		Status    string    `json:"status"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
		Labels    []struct {
			Name string `json:"name"`
		} `json:"labels"`
		Newsletters []struct {
			ID string `json:"id"`
		} `json:"newsletters"`
	} `json:"members"`
	Meta struct {
		Pagination struct {
			Next *int `json:"next"`
		} `json:"pagination"`
	} `json:"meta"`
}

// ListMembers pages through every member of the site, invoking fn for each.
// Events are synthesized as "updated" so the processor's ordering guard
// keeps resync from clobbering fresher webhook-applied state.
func (c *Client) ListMembers(ctx context.Context, fn func(*models.MemberEvent) error) (int, error) {
	total := 0
	page := 1
	for {
		batch, next, err := c.fetchPage(ctx, page)
		if err != nil {
			return total, err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return total, err
			}
			total++
		}
		if next == nil {
			return total, nil
		}
		page = *next
	}
}

func (c *Client) fetchPage(ctx context.Context, page int) ([]*models.MemberEvent, *int, error) {
	tok, err := c.token()
	if err != nil {
		return nil, nil, err
	}

	u := fmt.Sprintf("%s/ghost/api/admin/members/?limit=100&page=%d",
		strings.TrimRight(c.site.GhostURL, "/"), page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Ghost "+tok)
	req.Header.Set("Accept-Version", "v5.0")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("source: ghost members request failed with status %d", resp.StatusCode)
	}

	var parsed ghostMembersPage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, fmt.Errorf("source: unparseable members response: %w", err)
	}

	events := make([]*models.MemberEvent, 0, len(parsed.Members))
	now := time.Now().UTC()
	for _, m := range parsed.Members {
		if m.Email == "" {
			continue
		}
		labels := make([]string, 0, len(m.Labels))
		for _, l := range m.Labels {
			labels = append(labels, l.Name)
		}
		events = append(events, &models.MemberEvent{
			EventID:         uuid.New().String(),
			SiteID:          c.site.SiteID,
			EventType:       models.EventUpdated,
			MemberID:        m.ID,
			Email:           m.Email,
			Name:            m.Name,
			Status:          m.Status,
			Labels:          labels,
			EmailEnabled:    len(m.Newsletters) > 0,
			SignupAt:        m.CreatedAt,
			SourceUpdatedAt: m.UpdatedAt,
			ReceivedAt:      now,
		})
	}
	return events, parsed.Meta.Pagination.Next, nil
}
