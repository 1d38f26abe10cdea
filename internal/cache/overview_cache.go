package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
	creditoverview "github.com/smallbiznis/credo/internal/creditoverview/domain"
)

const defaultOverviewTTL = 30 * time.Second

// OverviewCache keeps rendered portfolio overviews briefly so dashboard
// polling does not re-run the aggregate scan on every request. The AsOf on
// a cached response still shows when it was computed.
type OverviewCache interface {
	GetOverview(orgID, poolID snowflake.ID) (creditoverview.OverviewResponse, bool)
	SetOverview(orgID, poolID snowflake.ID, resp creditoverview.OverviewResponse)
}

type overviewKey struct {
	orgID  snowflake.ID
	poolID snowflake.ID
}

type overviewCache struct {
	overviews Cache[overviewKey, creditoverview.OverviewResponse]
	ttl       time.Duration
}

// NewOverviewCache returns an in-memory cache tuned for dashboard polling.
func NewOverviewCache() OverviewCache {
	return &overviewCache{
		overviews: NewTTLCache[overviewKey, creditoverview.OverviewResponse](),
		ttl:       defaultOverviewTTL,
	}
}

func (c *overviewCache) GetOverview(orgID, poolID snowflake.ID) (creditoverview.OverviewResponse, bool) {
	return c.overviews.Get(overviewKey{orgID: orgID, poolID: poolID})
}

func (c *overviewCache) SetOverview(orgID, poolID snowflake.ID, resp creditoverview.OverviewResponse) {
	c.overviews.Set(overviewKey{orgID: orgID, poolID: poolID}, resp, c.ttl)
}
