package observability

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics counts the engine's allocation and sweep activity. All
// methods tolerate a nil receiver so services can run without metrics wired.
type EngineMetrics struct {
	allocationConflicts  prometheus.Counter
	reservationsReleased *prometheus.CounterVec
	movementsRecorded    *prometheus.CounterVec
}

// NewEngineMetrics registers the engine counters. A nil registerer falls
// back to the default Prometheus registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_allocation_conflicts_total",
		Help: "Allocation attempts rejected because the position was taken.",
	})
	released := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_reservations_released_total",
		Help: "Wave reservations released, by reason.",
	}, []string{"reason"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_stock_movements_total",
		Help: "Stock movements appended to the ledger, by type.",
	}, []string{"type"})
	reg.MustRegister(conflicts, released, movements)
	return &EngineMetrics{
		allocationConflicts:  conflicts,
		reservationsReleased: released,
		movementsRecorded:    movements,
	}
}

// AllocationConflict counts one lost allocation race.
func (m *EngineMetrics) AllocationConflict() {
	if m != nil {
		m.allocationConflicts.Inc()
	}
}

// ReservationsReleased counts released holds by reason (expired, reset, completed, dispatched).
func (m *EngineMetrics) ReservationsReleased(reason string, count int) {
	if m != nil && count > 0 {
		m.reservationsReleased.WithLabelValues(reason).Add(float64(count))
	}
}

// MovementRecorded counts a ledger append by movement type.
func (m *EngineMetrics) MovementRecorded(movementType string) {
	if m != nil {
		m.movementsRecorded.WithLabelValues(movementType).Inc()
	}
}
