package sites

import (
	"testing"

	"membersync/internal/platform/config"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry([]config.SiteConfig{
		{SiteID: "main", WebhookSecret: "s1", CMAPIKey: "k1", CMListID: "l1"},
		{SiteID: "second", WebhookSecret: "s2", CMAPIKey: "k2", CMListID: "l2"},
	})

	site, ok := r.Get("main")
	if !ok {
		t.Fatal("Get(main) not found")
	}
	if site.CMListID != "l1" || site.WebhookSecret != "s1" {
		t.Errorf("site = %+v", site)
	}

	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown) = ok, want miss")
	}

	ids := r.SiteIDs()
	if len(ids) != 2 || ids[0] != "main" || ids[1] != "second" {
		t.Errorf("SiteIDs() = %v, want config order", ids)
	}

	all := r.All()
	if len(all) != 2 || all[1].SiteID != "second" {
		t.Errorf("All() = %v", all)
	}
}
