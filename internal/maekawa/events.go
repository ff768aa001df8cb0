package maekawa

import (
	"time"

	"maekawa-dme/internal/pubsub"
)

// Event types published on Config.Events
const (
	// RequestedCS is published when a node multicasts its REQUEST
	RequestedCS pubsub.EventType = iota + 100
	// EnteredCS is published when a node enters the critical section
	EnteredCS
	// ExitedCS is published when a node leaves the critical section
	ExitedCS
)

// CSEvent is the payload of every critical section event
type CSEvent struct {
	Node NodeID
	// Lamport time after the transition
	TS Timestamp
	// Wall time of the transition, taken inside the event loop
	At time.Time
}

func (n *Node) publish(eventType pubsub.EventType, at time.Time) {
	if n.config.Events == nil {
		return
	}
	pubsub.Publish(n.config.Events, pubsub.NewEvent(eventType, CSEvent{
		Node: n.id,
		TS:   n.clock.Now(),
		At:   at,
	}))
}
