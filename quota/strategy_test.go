package quota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/quota-engine/quota"
)

func TestSharedPool_Validate(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000, mandatory: 100})
	tenant, err := f.store.GetTenantByCode(ctx, "RCD")
	require.NoError(t, err)
	s := quota.SharedPool{}

	v, err := s.Validate(ctx, f.store, tenant, march1, 900)
	require.NoError(t, err)
	assert.Equal(t, quota.OutcomeValid, v.Outcome)

	v, err = s.Validate(ctx, f.store, tenant, march1, 1000)
	require.NoError(t, err)
	assert.Equal(t, quota.OutcomePartial, v.Outcome)
	assert.Equal(t, 900, v.ApprovedCount)
	assert.Equal(t, 100, v.RemainingCount)

	f.book(t, "RCD", march1, 900)
	v, err = s.Validate(ctx, f.store, tenant, march1, 1)
	require.NoError(t, err)
	assert.Equal(t, quota.OutcomeAutoBook, v.Outcome)

	ok, err := s.CanBook(ctx, f.store, tenant, march1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoolCycleAvailable_CountsMandatoryPerDay(t *testing.T) {
	f := newFixture(t, false, 1000, tenantSpec{code: "RCD", daily: 1000, mandatory: 100})
	f.book(t, "RCD", march1, 500)

	// March 1 falls in the cycle 2024-02-21 .. 2024-03-20 (29 days).
	got, err := quota.PoolCycleAvailable(ctx, f.store, &f.pool, march1)
	require.NoError(t, err)
	assert.Equal(t, 30000-500-100*29, got)
}

func TestEqualShare_BaseShareIsStable(t *testing.T) {
	// GIVEN 3000/day, two tenants withholding 200 and 150, a third withholding nothing
	f := newFixture(t, true, 3000,
		tenantSpec{code: "A", daily: 1500, mandatory: 200},
		tenantSpec{code: "B", daily: 1500, mandatory: 150},
		tenantSpec{code: "C", daily: 1500})
	a, _ := f.store.GetTenantByCode(ctx, "A")
	b, _ := f.store.GetTenantByCode(ctx, "B")
	e := quota.EqualShare{}

	base, err := e.BaseShare(ctx, f.store, a)
	require.NoError(t, err)
	assert.Equal(t, (3000-350)/3, base)

	before, err := e.Available(ctx, f.store, b, march1)
	require.NoError(t, err)

	// WHEN a sibling consumes its whole share
	res := f.book(t, "A", march1, 1000)
	assert.Equal(t, quota.ResultPartialWithAuto, res.Type)

	// THEN B's figure is unchanged
	after, err := e.Available(ctx, f.store, b, march1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, min(1500-150, base), after)

	// AND A's own figure dropped to zero
	aAvail, err := e.Available(ctx, f.store, a, march1)
	require.NoError(t, err)
	assert.Zero(t, aAvail)
}

func TestEqualShare_RejectsWithSuggestions(t *testing.T) {
	f := newFixture(t, true, 1000, tenantSpec{code: "A", daily: 1000}, tenantSpec{code: "B", daily: 1000})
	f.book(t, "A", march1, 500)

	res := f.book(t, "A", march1, 100)

	assert.False(t, res.Success)
	assert.Equal(t, quota.ResultRejected, res.Type)
	assert.Equal(t, quota.OutcomeRejected, res.Outcome)
	assert.Equal(t, 100, res.RemainingUnbooked)
	require.Len(t, res.Suggestions, quota.MaxSuggestions)
	assert.Equal(t, "2024-03-02", res.Suggestions[0].Date.String())
	assert.Equal(t, 500, res.Suggestions[0].Available)
}

func TestEqualShare_NeverAutoBooks(t *testing.T) {
	f := newFixture(t, true, 1000, tenantSpec{code: "A", daily: 300}, tenantSpec{code: "B", daily: 1000})
	a, _ := f.store.GetTenantByCode(ctx, "A")

	// Own capacity (300) is below the base share (500).
	v, err := quota.EqualShare{}.Validate(ctx, f.store, a, march1, 400)
	require.NoError(t, err)
	assert.Equal(t, quota.OutcomePartial, v.Outcome)
	assert.Equal(t, 300, v.ApprovedCount)
}

func TestSelector(t *testing.T) {
	assert.False(t, quota.NewSelector(false).IsEqualShareEnabled())
	assert.True(t, quota.NewSelector(true).IsEqualShareEnabled())
	assert.Equal(t, quota.ModeShared, quota.NewSelector(false).Strategy().Mode())
}
