package sites

import (
	"membersync/internal/platform/config"
	"membersync/internal/platform/models"
)

// Registry is the immutable site lookup table, built once at startup.
// Unknown site ids are a routing error, handled at the HTTP layer.
type Registry struct {
	order []string
	byID  map[string]*models.SiteContext
}

func NewRegistry(cfgs []config.SiteConfig) *Registry {
	r := &Registry{byID: make(map[string]*models.SiteContext, len(cfgs))}
	for _, c := range cfgs {
		ctx := &models.SiteContext{
			SiteID:           c.SiteID,
			WebhookSecret:    c.WebhookSecret,
			CMAPIKey:         c.CMAPIKey,
			CMListID:         c.CMListID,
			GhostURL:         c.GhostURL,
			GhostAdminAPIKey: c.GhostAdminAPIKey,
		}
		r.order = append(r.order, c.SiteID)
		r.byID[c.SiteID] = ctx
	}
	return r
}

func (r *Registry) Get(siteID string) (*models.SiteContext, bool) {
	ctx, ok := r.byID[siteID]
	return ctx, ok
}

// SiteIDs returns site ids in config order.
func (r *Registry) SiteIDs() []string {
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

func (r *Registry) All() []*models.SiteContext {
	out := make([]*models.SiteContext, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
