package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/discount-engine/internal/domain/discount"
)

func TestReadSeed(t *testing.T) {
	seed, err := readSeed("../../db/seed/discounts.json")
	require.NoError(t, err)
	require.Len(t, seed.Stores, 2)
	require.Len(t, seed.Discounts, 6)

	save10 := seed.Discounts[1].definition()
	assert.Equal(t, discount.KindCode, save10.Kind)
	assert.Equal(t, "0.1", save10.Value.Rate.String())
	assert.Equal(t, 3, *save10.Combination.MaxCombinedDiscounts)

	welcome := seed.Discounts[2].definition()
	assert.Equal(t, 1, *welcome.Combination.MaxCombinedDiscounts, "defaults to a single discount")
	assert.True(t, welcome.Combination.CanCombineWithAutomatic)
	assert.Equal(t, discount.SegmentReturning, welcome.Eligibility.CustomerSegment)

	late := seed.Discounts[3].definition()
	assert.Equal(t, []time.Weekday{time.Friday, time.Saturday}, late.Eligibility.DaysOfWeek)
	assert.Equal(t, 22, *late.Eligibility.HourStart)

	socks := seed.Discounts[4].definition()
	assert.Equal(t, discount.ValueBuyXGetY, socks.Value.Type)
	assert.Equal(t, 2, socks.Value.Buy)
	assert.Equal(t, 1, socks.Value.Get)
	assert.False(t, socks.Value.SameProduct)

	group := seed.Discounts[5].definition()
	require.Len(t, group.Value.Tiers, 2)
	assert.Equal(t, 8, group.Value.Tiers[1].MinQuantity)
	assert.Equal(t, "0.1", group.Value.Tiers[1].Rate.String())
}

type memoryWriter struct {
	next  int64
	defs  []discount.Definition
	codes map[string]bool
}

func (m *memoryWriter) ListAutomatic(_ context.Context, storeID int64) ([]discount.Definition, error) {
	var out []discount.Definition
	for _, d := range m.defs {
		if d.StoreID == storeID && d.Kind == discount.KindAutomatic {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryWriter) Create(_ context.Context, d *discount.Definition) (int64, error) {
	m.next++
	d.ID = m.next
	m.defs = append(m.defs, *d)
	return d.ID, nil
}

func (m *memoryWriter) CreateCodeIfAbsent(_ context.Context, template discount.Definition, code string) (bool, error) {
	if m.codes[code] {
		return false, nil
	}
	m.codes[code] = true
	_, err := m.Create(context.Background(), &template)
	return true, err
}

func TestSeedDiscounts_Rerun(t *testing.T) {
	seed, err := readSeed("../../db/seed/discounts.json")
	require.NoError(t, err)

	w := &memoryWriter{codes: map[string]bool{}}
	ctx := context.Background()
	require.NoError(t, seedDiscounts(ctx, w, seed.Discounts))
	require.Len(t, w.defs, len(seed.Discounts))

	require.NoError(t, seedDiscounts(ctx, w, seed.Discounts))
	assert.Len(t, w.defs, len(seed.Discounts), "second run creates nothing")
}
