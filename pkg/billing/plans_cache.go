package billing

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/metered/pkg/observability"
)

// CachingService decorates a Service with an LRU cache over plan lookups.
// Plans are read on every usage record and webhook event but change rarely,
// so a small cache removes most catalog queries from the hot path. Writes
// through CreatePlan invalidate; out-of-band catalog edits are picked up when
// the entry is evicted.
type CachingService struct {
	Service

	byID    *lru.Cache[int64, *Plan]
	byPrice *lru.Cache[string, *Plan]
	metrics *observability.Metrics
}

// NewCachingService wraps a Service with plan caching of the given size.
// metrics may be nil.
func NewCachingService(inner Service, size int, metrics *observability.Metrics) (*CachingService, error) {
	if size <= 0 {
		size = 128
	}
	byID, err := lru.New[int64, *Plan](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	byPrice, err := lru.New[string, *Plan](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	return &CachingService{Service: inner, byID: byID, byPrice: byPrice, metrics: metrics}, nil
}

// GetPlan retrieves a plan, serving repeat lookups from cache
func (c *CachingService) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	if plan, ok := c.byID.Get(id); ok {
		c.countHit()
		return plan, nil
	}
	c.countMiss()
	plan, err := c.Service.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	c.add(plan)
	return plan, nil
}

// GetPlanByPriceID retrieves a plan by processor price ID, cached
func (c *CachingService) GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	if plan, ok := c.byPrice.Get(priceID); ok {
		c.countHit()
		return plan, nil
	}
	c.countMiss()
	plan, err := c.Service.GetPlanByPriceID(ctx, priceID)
	if err != nil {
		return nil, err
	}
	c.add(plan)
	return plan, nil
}

// CreatePlan inserts a plan and primes the cache with it
func (c *CachingService) CreatePlan(ctx context.Context, plan *Plan) (*Plan, error) {
	created, err := c.Service.CreatePlan(ctx, plan)
	if err != nil {
		return nil, err
	}
	c.add(created)
	return created, nil
}

// Invalidate drops a plan from the cache.
func (c *CachingService) Invalidate(plan *Plan) {
	c.byID.Remove(plan.ID)
	if plan.ProcessorPriceID != "" {
		c.byPrice.Remove(plan.ProcessorPriceID)
	}
}

func (c *CachingService) countHit() {
	if c.metrics != nil {
		c.metrics.PlanCacheHitsTotal.Inc()
	}
}

func (c *CachingService) countMiss() {
	if c.metrics != nil {
		c.metrics.PlanCacheMissesTotal.Inc()
	}
}

func (c *CachingService) add(plan *Plan) {
	c.byID.Add(plan.ID, plan)
	if plan.ProcessorPriceID != "" {
		c.byPrice.Add(plan.ProcessorPriceID, plan)
	}
}
