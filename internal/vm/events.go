package vm

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veilvm/veil/internal/registry"
)

// EventType classifies notifier events.
type EventType string

const (
	// EventTransition is a lifecycle state change.
	EventTransition EventType = "transition"

	// EventForcedStop is a protective stop initiated by the monitor after
	// a sustained resource-cap breach.
	EventForcedStop EventType = "forced-stop"

	// EventCapBreach is a resource reading above the VM's limits, emitted
	// when a breach episode begins.
	EventCapBreach EventType = "cap-breach"
)

// Event is one observable occurrence in the fleet, consumed by dashboards
// and operators.
type Event struct {
	Type   EventType
	VMID   uuid.UUID
	VMName string
	From   registry.State
	To     registry.State
	Reason string
	Time   time.Time
}

// Notifier fans events out to subscribers and feeds the prometheus
// counters. Publishing never blocks: a subscriber that stops draining its
// channel loses events rather than stalling lifecycle operations.
type Notifier struct {
	log logr.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event

	transitions   *prometheus.CounterVec
	forcedStops   prometheus.Counter
	capBreaches   prometheus.Counter
	admissionRejs prometheus.Counter
}

// NewNotifier builds a notifier registering its counters with reg. A nil
// reg skips metrics registration (tests).
func NewNotifier(log logr.Logger, reg prometheus.Registerer) *Notifier {
	n := &Notifier{
		log:  log,
		subs: make(map[int]chan Event),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "veil_vm_transitions_total",
			Help: "Lifecycle state transitions by target state.",
		}, []string{"to"}),
		forcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_vm_forced_stops_total",
			Help: "Protective stops initiated by the resource monitor.",
		}),
		capBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_vm_cap_breaches_total",
			Help: "Resource-cap breach episodes observed by the monitor.",
		}),
		admissionRejs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "veil_admission_rejections_total",
			Help: "Reservations rejected by admission control.",
		}),
	}
	if reg != nil {
		reg.MustRegister(n.transitions, n.forcedStops, n.capBreaches, n.admissionRejs)
	}
	return n
}

// Subscribe returns a channel of events with the given buffer and a cancel
// function that closes the subscription.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan Event, buffer)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// RecordAdmissionRejection counts a reservation rejected by the accountant.
func (n *Notifier) RecordAdmissionRejection() {
	n.admissionRejs.Inc()
}

func (n *Notifier) publish(e Event) {
	e.Time = time.Now()

	switch e.Type {
	case EventTransition:
		n.transitions.WithLabelValues(string(e.To)).Inc()
	case EventForcedStop:
		n.forcedStops.Inc()
	case EventCapBreach:
		n.capBreaches.Inc()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- e:
		default:
			n.log.V(1).Info("event dropped for slow subscriber",
				"type", e.Type, "vm", e.VMID)
		}
	}
}

func (n *Notifier) transition(v *registry.VM, from, to registry.State, reason string) {
	n.publish(Event{
		Type:   EventTransition,
		VMID:   v.ID,
		VMName: v.Name,
		From:   from,
		To:     to,
		Reason: reason,
	})
}
