// Package metrics exposes booking and reconciliation counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/quota-engine/quota"
	"github.com/warp/quota-engine/reconcile"
)

const namespace = "quota"

// Collector implements quota.Observer and reconcile.Observer. A nil
// *Collector observes nothing.
type Collector struct {
	bookings     *prometheus.CounterVec
	reservations *prometheus.CounterVec
	approved     prometheus.Counter
	unbooked     prometheus.Counter
	cancels      prometheus.Counter
	sent         prometheus.Counter
	syncs        *prometheus.CounterVec
}

// NewCollector registers the counters on reg (the default registerer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_requests_total",
			Help:      "Booking requests by result type.",
		}, []string{"result"}), // full_approval | partial_approval_with_auto_booking | full_auto_booking | rejected
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Reservations written, split by direct and auto-booked.",
		}, []string{"kind"}),
		approved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_approved_total",
			Help:      "Email volume approved across all reservations.",
		}),
		unbooked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_unbooked_total",
			Help:      "Requested volume the cascade could not place.",
		}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Reservations cancelled.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_sent_total",
			Help:      "Reservations marked sent.",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_syncs_total",
			Help:      "Tenant usage syncs by discrepancy status.",
		}, []string{"status"}),
	}

	reg.MustRegister(c.bookings, c.reservations, c.approved, c.unbooked, c.cancels, c.sent, c.syncs)
	return c
}

func (c *Collector) ObserveBooking(res *quota.BookingResult) {
	if c == nil || res == nil {
		return
	}
	c.bookings.WithLabelValues(string(res.Type)).Inc()
	if res.Main != nil {
		c.reservations.WithLabelValues("direct").Inc()
	}
	if n := len(res.AutoBooked); n > 0 {
		c.reservations.WithLabelValues("auto").Add(float64(n))
	}
	c.approved.Add(float64(res.TotalApproved))
	c.unbooked.Add(float64(res.RemainingUnbooked))
}

func (c *Collector) ObserveCancel() {
	if c != nil {
		c.cancels.Inc()
	}
}

func (c *Collector) ObserveSent() {
	if c != nil {
		c.sent.Inc()
	}
}

func (c *Collector) ObserveSync(status quota.DiscrepancyStatus) {
	if c != nil {
		c.syncs.WithLabelValues(string(status)).Inc()
	}
}

var (
	_ quota.Observer     = (*Collector)(nil)
	_ reconcile.Observer = (*Collector)(nil)
)
