package billing

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/metered/pkg/observability"
)

func TestCachingServiceServesRepeatLookupsFromCache(t *testing.T) {
	innerCalls := 0
	inner := &MockService{
		GetPlanFunc: func(ctx context.Context, id int64) (*Plan, error) {
			innerCalls++
			return &Plan{ID: id, Name: "pro"}, nil
		},
	}
	cached, err := NewCachingService(inner, 8, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		plan, err := cached.GetPlan(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, "pro", plan.Name)
	}
	assert.Equal(t, 1, innerCalls, "repeat lookups must not reach the store")
}

func TestCachingServiceCountsHitsAndMisses(t *testing.T) {
	inner := &MockService{
		GetPlanFunc: func(ctx context.Context, id int64) (*Plan, error) {
			return &Plan{ID: id, Name: "pro"}, nil
		},
		GetPlanByPriceIDFunc: func(ctx context.Context, priceID string) (*Plan, error) {
			return &Plan{ID: 3, Name: "team", ProcessorPriceID: priceID}, nil
		},
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cached, err := NewCachingService(inner, 8, metrics)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cached.GetPlan(ctx, 2) // miss
	require.NoError(t, err)
	_, err = cached.GetPlan(ctx, 2) // hit
	require.NoError(t, err)
	_, err = cached.GetPlanByPriceID(ctx, "price_team") // miss
	require.NoError(t, err)
	_, err = cached.GetPlanByPriceID(ctx, "price_team") // hit
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PlanCacheHitsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.PlanCacheMissesTotal))
}

func TestCachingServiceInvalidateDropsEntry(t *testing.T) {
	innerCalls := 0
	inner := &MockService{
		GetPlanFunc: func(ctx context.Context, id int64) (*Plan, error) {
			innerCalls++
			return &Plan{ID: id, Name: "pro", ProcessorPriceID: "price_pro"}, nil
		},
	}
	cached, err := NewCachingService(inner, 8, nil)
	require.NoError(t, err)

	ctx := context.Background()
	plan, err := cached.GetPlan(ctx, 2)
	require.NoError(t, err)
	cached.Invalidate(plan)

	_, err = cached.GetPlan(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, innerCalls, "invalidated entry must be refetched")
}
