// Package memory is an in-process discount store. It backs tests and local
// runs without Postgres and follows the same contracts as the SQL store.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/domain/lifecycle"
)

var (
	_ discount.Catalog   = (*Store)(nil)
	_ discount.Ledger    = (*Store)(nil)
	_ discount.Locations = (*Store)(nil)
	_ lifecycle.Store    = (*Store)(nil)
)

// Store keeps discounts, store timezones and redemptions in maps guarded by
// a single mutex.
type Store struct {
	mu          sync.Mutex
	discounts   map[int64]*discount.Definition
	locations   map[int64]*time.Location
	redemptions map[uuid.UUID]*discount.Redemption
	nextID      int64

	// now stamps redemptions. Tests may replace it.
	now func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		discounts:   make(map[int64]*discount.Definition),
		locations:   make(map[int64]*time.Location),
		redemptions: make(map[uuid.UUID]*discount.Redemption),
		now:         time.Now,
	}
}

// SetLocation configures the timezone of a store.
func (s *Store) SetLocation(storeID int64, loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[storeID] = loc
}

// Put inserts or replaces a discount. A zero ID is assigned the next free one.
func (s *Store) Put(d discount.Definition) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == 0 {
		s.nextID++
		d.ID = s.nextID
	} else if d.ID > s.nextID {
		s.nextID = d.ID
	}
	if d.Kind == discount.KindCode {
		d.Code = discount.NormalizeCode(d.Code)
	}
	s.discounts[d.ID] = clone(&d)
	return d.ID
}

// Get returns a copy of the discount.
func (s *Store) Get(id int64) (*discount.Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[id]
	if !ok {
		return nil, false
	}
	return clone(d), true
}

// Redemptions returns copies of all redemptions of a discount.
func (s *Store) Redemptions(discountID int64) []discount.Redemption {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []discount.Redemption
	for _, r := range s.redemptions {
		if r.DiscountID == discountID {
			out = append(out, *r)
		}
	}
	slices.SortFunc(out, func(a, b discount.Redemption) int { return a.RedeemedAt.Compare(b.RedeemedAt) })
	return out
}

func (s *Store) ListAutomatic(_ context.Context, storeID int64) ([]discount.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []discount.Definition
	for _, d := range s.discounts {
		if d.StoreID == storeID && d.Kind == discount.KindAutomatic {
			out = append(out, *clone(d))
		}
	}
	slices.SortFunc(out, func(a, b discount.Definition) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) FindCode(_ context.Context, storeID int64, code string) (*discount.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = discount.NormalizeCode(code)
	for _, d := range s.discounts {
		if d.StoreID == storeID && d.Kind == discount.KindCode && d.Code == code {
			return clone(d), nil
		}
	}
	return nil, discount.ErrNotFound
}

func (s *Store) Location(_ context.Context, storeID int64) (*time.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.locations[storeID]
	if !ok {
		return nil, discount.ErrTimezoneRequired
	}
	return loc, nil
}

// Redeem increments usage under the store mutex, which gives the same
// compare-and-increment semantics as the conditional UPDATE in Postgres.
func (s *Store) Redeem(_ context.Context, r discount.Redemption) (*discount.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.discounts[r.DiscountID]
	if !ok || d.StoreID != r.StoreID || d.Kind != discount.KindCode {
		return nil, discount.ErrNotFound
	}
	if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		return nil, discount.ErrUsageLimitExceeded
	}
	d.UsageCount++

	out := r
	out.ID = uuid.New()
	out.RedeemedAt = s.now()
	out.UsageCount = d.UsageCount
	out.ReversedAt = nil
	s.redemptions[out.ID] = &out
	cp := out
	return &cp, nil
}

func (s *Store) Reverse(_ context.Context, storeID int64, redemptionID uuid.UUID) (*discount.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.redemptions[redemptionID]
	if !ok || r.StoreID != storeID {
		return nil, discount.ErrNotFound
	}
	if r.ReversedAt != nil {
		return nil, discount.ErrAlreadyReversed
	}
	at := s.now()
	r.ReversedAt = &at
	if d, ok := s.discounts[r.DiscountID]; ok && d.UsageCount > 0 {
		d.UsageCount--
		r.UsageCount = d.UsageCount
	}
	cp := *r
	return &cp, nil
}

func (s *Store) Activate(_ context.Context, now time.Time) ([]lifecycle.Flip, error) {
	return s.flip(now, true), nil
}

func (s *Store) Deactivate(_ context.Context, now time.Time) ([]lifecycle.Flip, error) {
	return s.flip(now, false), nil
}

func (s *Store) flip(now time.Time, activate bool) []lifecycle.Flip {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []lifecycle.Flip
	for _, d := range s.discounts {
		e := d.Eligibility
		started := e.StartsAt == nil || !now.Before(*e.StartsAt)
		ended := e.EndsAt != nil && !now.Before(*e.EndsAt)

		var change bool
		if activate {
			change = !d.IsActive && e.StartsAt != nil && started && !ended
		} else {
			change = d.IsActive && ended
		}
		if !change {
			continue
		}
		d.IsActive = activate
		out = append(out, lifecycle.Flip{ID: d.ID, StoreID: d.StoreID, Kind: d.Kind, Title: d.Title})
	}
	slices.SortFunc(out, func(a, b lifecycle.Flip) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func clone(d *discount.Definition) *discount.Definition {
	cp := *d
	cp.AppliesTo.IDs = slices.Clone(d.AppliesTo.IDs)
	cp.Eligibility.DaysOfWeek = slices.Clone(d.Eligibility.DaysOfWeek)
	cp.Value.Tiers = slices.Clone(d.Value.Tiers)
	return &cp
}
