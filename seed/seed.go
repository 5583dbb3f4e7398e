/*
Package seed loads demo pools and tenant units into a store.

AVAILABLE SCENARIOS:

	demo:      three sending accounts shared by seven units
	busy-day:  demo, plus bookings that fill Akun 1 on the target day so
	           the next request there cascades onto the following days

HOW SCENARIOS WORK:
 1. Save pools (idempotent upserts)
 2. Save tenant units with their mandatory withholding
 3. Optionally book reservations through quota.Service, so every demo
    booking follows the same locking and strategy as real traffic

USAGE:

	quotactl seed --scenario busy-day --date 2024-03-01

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description
 2. Write a loader func(ctx, *Loader, day) error
*/
package seed

import (
	"context"
	"fmt"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	load func(ctx context.Context, l *Loader, day generic.TimePoint) error
}

var scenarios = []Scenario{
	{
		ID:          "demo",
		Name:        "Demo Accounts",
		Description: "Three sending accounts shared by seven hotel units",
		load:        loadDemo,
	},
	{
		ID:          "busy-day",
		Name:        "Busy Day",
		Description: "Akun 1 fully booked on the target day; new requests cascade",
		load:        loadBusyDay,
	},
}

// Scenarios lists the available scenarios.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Pools are the demo sending accounts.
var Pools = []quota.Pool{
	{ID: "akun-1", Name: "Akun 1", DailyCapacity: 3000, CycleCapacity: 150000, Active: true},
	{ID: "akun-2", Name: "Akun 2", DailyCapacity: 5000, CycleCapacity: 150000, Active: true},
	{ID: "akun-3", Name: "Akun 3", DailyCapacity: 3000, CycleCapacity: 150000, Active: true},
}

// Tenants are the demo units, grouped by account.
var Tenants = []quota.Tenant{
	{ID: "unit-rcd", Code: "RCD", Name: "Royal City Hotel", PoolID: "akun-1", DailyCapacity: 1500, CycleCapacity: 75000, MandatoryDaily: 200, MaxSyncPerDay: 5, Active: true},
	{ID: "unit-rms", Code: "RMS", Name: "Royal Mountain Suite", PoolID: "akun-1", DailyCapacity: 1500, CycleCapacity: 75000, MandatoryDaily: 150, MaxSyncPerDay: 5, Active: true},

	{ID: "unit-ksv", Code: "KSV", Name: "King Suite Villa", PoolID: "akun-2", DailyCapacity: 2500, CycleCapacity: 75000, MandatoryDaily: 300, MaxSyncPerDay: 5, Active: true},
	{ID: "unit-rgh", Code: "RGH", Name: "Royal Garden Hotel", PoolID: "akun-2", DailyCapacity: 2500, CycleCapacity: 75000, MandatoryDaily: 250, MaxSyncPerDay: 5, Active: true},

	{ID: "unit-rrp", Code: "RRP", Name: "Royal Resort & Pool", PoolID: "akun-3", DailyCapacity: 1000, CycleCapacity: 50000, MandatoryDaily: 100, MaxSyncPerDay: 5, Active: true},
	{ID: "unit-rrptg", Code: "RRPTG", Name: "Royal Resort Pool Tugu", PoolID: "akun-3", DailyCapacity: 1000, CycleCapacity: 50000, MandatoryDaily: 80, MaxSyncPerDay: 5, Active: true},
	{ID: "unit-ps", Code: "PS", Name: "Premium Suite", PoolID: "akun-3", DailyCapacity: 1000, CycleCapacity: 50000, MandatoryDaily: 120, MaxSyncPerDay: 5, Active: true},
}

// =============================================================================
// LOADER
// =============================================================================

// Loader writes scenarios. Service is only needed by scenarios that book.
type Loader struct {
	Admin   quota.Admin
	Service *quota.Service
}

// Load runs the scenario id for the given day.
func (l *Loader) Load(ctx context.Context, id string, day generic.TimePoint) error {
	for _, s := range scenarios {
		if s.ID == id {
			if err := s.load(ctx, l, day); err != nil {
				return fmt.Errorf("load scenario %s: %w", id, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown scenario %q", id)
}

func loadDemo(ctx context.Context, l *Loader, _ generic.TimePoint) error {
	for _, p := range Pools {
		if err := l.Admin.SavePool(ctx, p); err != nil {
			return fmt.Errorf("save pool %s: %w", p.ID, err)
		}
	}
	for _, t := range Tenants {
		if err := l.Admin.SaveTenant(ctx, t); err != nil {
			return fmt.Errorf("save tenant %s: %w", t.Code, err)
		}
	}
	return nil
}

// loadBusyDay books Akun 1 up to its mandatory withholding on day:
// 3000 daily minus 350 mandatory leaves 2650 bookable.
func loadBusyDay(ctx context.Context, l *Loader, day generic.TimePoint) error {
	if l.Service == nil {
		return fmt.Errorf("busy-day books reservations and needs a quota service")
	}
	if err := loadDemo(ctx, l, day); err != nil {
		return err
	}

	bookings := []quota.BookingRequest{
		{TenantCode: "RCD", EmailCount: 1500, Type: quota.TypePromotional, Subject: "Weekend Getaway"},
		{TenantCode: "RMS", EmailCount: 1150, Type: quota.TypeRegular, Subject: "Newsletter"},
	}
	for _, b := range bookings {
		b.Date = day
		res, err := l.Service.RequestReservation(ctx, b)
		if err != nil {
			return fmt.Errorf("book %s: %w", b.TenantCode, err)
		}
		if res.Type != quota.ResultFullApproval {
			return fmt.Errorf("book %s on %s: day already in use (%s)", b.TenantCode, day, res.Type)
		}
	}
	return nil
}
