package quota

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/quota-engine/generic"
)

const (
	// CascadeWindowDays is how far past the requested day auto-booking looks.
	CascadeWindowDays = 14
	// MaxSuggestions caps the alternative days offered on rejection.
	MaxSuggestions = 5
)

// =============================================================================
// CASCADE - Auto-booking onto later days
// =============================================================================

// cascade books a remainder onto the days after the requested one.
type cascade struct {
	svc    *Service
	tenant *Tenant
	pool   *Pool
	req    BookingRequest
	mainID ReservationID // empty for a full auto-booking

	booked    []AutoBooked
	remaining int
}

func (s *Service) newCascade(tenant *Tenant, pool *Pool, req BookingRequest, mainID ReservationID) *cascade {
	return &cascade{svc: s, tenant: tenant, pool: pool, req: req, mainID: mainID}
}

// run scans up to CascadeWindowDays days starting the day after the
// requested one, locking each day before reading it.
func (c *cascade) run(ctx context.Context, tx Tx, count int) error {
	c.remaining = count
	day := c.req.Date.AddDays(1)

	for i := 0; i < CascadeWindowDays && c.remaining > 0; i, day = i+1, day.AddDays(1) {
		if err := tx.LockSlot(ctx, c.pool.ID, day); err != nil {
			return fmt.Errorf("lock slot %s: %w", day, err)
		}
		available, err := c.svc.Selector.Available(ctx, tx, c.tenant, day)
		if err != nil {
			return fmt.Errorf("available on %s: %w", day, err)
		}
		if available <= 0 {
			continue
		}

		n := min(c.remaining, available)
		r := c.svc.newReservation(c.tenant, c.pool, c.req, day, n)
		c.tag(r, len(c.booked)+1)
		if err := tx.CreateReservation(ctx, *r); err != nil {
			return fmt.Errorf("create auto-booked reservation: %w", err)
		}

		c.booked = append(c.booked, AutoBooked{
			ReservationID: r.ID,
			Date:          day,
			EmailCount:    n,
			DayName:       day.Weekday().String(),
			SequenceOrder: len(c.booked) + 1,
		})
		c.remaining -= n
	}
	return nil
}

func (c *cascade) tag(r *Reservation, seq int) {
	r.Metadata[MetaAutoBooked] = true
	r.Metadata[MetaOriginalRequest] = c.req.EmailCount
	r.Metadata[MetaRequestedDate] = c.req.Date.String()
	r.Metadata[MetaSequenceOrder] = seq
	if c.mainID != "" {
		r.Metadata[MetaMainID] = string(c.mainID)
	}

	if strings.TrimSpace(c.req.Subject) != "" {
		r.Subject = c.req.Subject + " (Auto-booked)"
	}
	if strings.TrimSpace(c.req.Description) != "" {
		r.Description = c.req.Description + " - Auto-booked continuation of " + c.req.Date.String()
	}
}

// =============================================================================
// SUGGESTIONS
// =============================================================================

// suggest lists up to MaxSuggestions later days on which the tenant could
// still book, scanning CascadeWindowDays days from the day after date.
func (s *Service) suggest(ctx context.Context, r Reader, tenant *Tenant, date generic.TimePoint) ([]Suggestion, error) {
	var out []Suggestion
	day := date.AddDays(1)
	for i := 0; i < CascadeWindowDays && len(out) < MaxSuggestions; i, day = i+1, day.AddDays(1) {
		available, err := s.Selector.Available(ctx, r, tenant, day)
		if err != nil {
			return nil, fmt.Errorf("available on %s: %w", day, err)
		}
		if available > 0 {
			out = append(out, Suggestion{Date: day, Available: available, DayName: day.Weekday().String()})
		}
	}
	return out, nil
}
