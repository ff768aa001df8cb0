package maekawa

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"maekawa-dme/internal/pubsub"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrStopped       = errors.New("node stopped")
)

// NodeID identifies a node. IDs are dense, in [0, NumNodes).
type NodeID int

// NoNode marks an unset destination.
const NoNode NodeID = -1

// Timestamp is a Lamport clock value
type Timestamp uint64

// MessageType identifies the kind of protocol message
type MessageType int

const (
	// RequestMsg asks a voter for its vote
	RequestMsg MessageType = iota
	// GrantMsg carries a voter's vote to a requester
	GrantMsg
	// ReleaseMsg hands votes back after leaving the critical section
	ReleaseMsg
	// FailMsg tells a requester its request was queued behind a higher priority one
	FailMsg
	// InquireMsg asks the holder of a vote whether it can give it back
	InquireMsg
	// YieldMsg returns a vote to the voter that inquired about it
	YieldMsg
)

// NumMessageTypes is the number of defined message types
const NumMessageTypes = 6

func (m MessageType) String() string {
	switch m {
	case RequestMsg:
		return "Request"
	case GrantMsg:
		return "Grant"
	case ReleaseMsg:
		return "Release"
	case FailMsg:
		return "Fail"
	case InquireMsg:
		return "Inquire"
	case YieldMsg:
		return "Yield"
	default:
		return "Unknown"
	}
}

// Valid reports whether m is one of the six protocol message types
func (m MessageType) Valid() bool {
	return m >= RequestMsg && m <= YieldMsg
}

// Message is a single protocol message. Each instance is consumed once by the
// arbiter of its recipient.
type Message struct {
	ID   string // Unique message identifier, for tracing only
	Type MessageType
	Src  NodeID
	Dest NodeID
	TS   Timestamp
}

// Less orders messages by (TS, Src) ascending. A lower message has priority.
func (m *Message) Less(other *Message) bool {
	if m.TS != other.TS {
		return m.TS < other.TS
	}
	return m.Src < other.Src
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(src=%d dest=%d ts=%d)", m.Type, m.Src, m.Dest, m.TS)
}

// NodeState is the proposer-side state of a node
type NodeState int

const (
	// Init is the state before Start
	Init NodeState = iota
	// Released means the node is outside the critical section and not asking for it
	Released
	// Requesting means the node has multicast a REQUEST and is collecting votes
	Requesting
	// Held means the node is inside the critical section
	Held
)

func (s NodeState) String() string {
	switch s {
	case Init:
		return "INIT"
	case Released:
		return "RELEASE"
	case Requesting:
		return "REQUEST"
	case Held:
		return "HELD"
	default:
		return "Unknown"
	}
}

// Sampler draws a whole number of time units uniformly from [min, max]
type Sampler interface {
	Units(min, max int) int
}

type uniformSampler struct{}

func (uniformSampler) Units(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.IntN(max-min+1)
}

// Config holds the configuration of a single node
type Config struct {
	// NodeID is the identifier of this node
	NodeID NodeID

	// NumNodes is the total number of nodes in the system
	NumNodes int

	// VotingSet overrides the derived voting set when non-empty. It must contain NodeID.
	VotingSet VotingSet

	// TickInterval is how often the proposer signals are evaluated
	TickInterval time.Duration

	// TimeUnit is the length of one dwell/cooldown unit
	TimeUnit time.Duration

	// DwellMin and DwellMax bound the time spent in the critical section, in units
	DwellMin int
	DwellMax int

	// CooldownMin and CooldownMax bound the time between leaving the critical section
	// and requesting it again, in units
	CooldownMin int
	CooldownMax int

	// InitialDelay postpones the first request after Start
	InitialDelay time.Duration

	// InboxSize is the capacity of the inbound message buffer
	InboxSize int

	// Sampler draws dwell and cooldown lengths
	Sampler Sampler

	// Events receives critical section transitions. Optional.
	Events *pubsub.Bus

	// Metrics collects protocol counters. Nodes may share one collector. Optional.
	Metrics *Metrics

	// Logger for debugging
	Logger Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		TickInterval: 10 * time.Millisecond,
		TimeUnit:     time.Millisecond,
		DwellMin:     5,
		DwellMax:     10,
		CooldownMin:  5,
		CooldownMax:  20,
		InboxSize:    1024,
		Sampler:      uniformSampler{},
		Logger:       &defaultLogger{},
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if config.NumNodes < 1 {
		return fmt.Errorf("%w: NumNodes must be positive", ErrInvalidConfig)
	}
	if config.NodeID < 0 || int(config.NodeID) >= config.NumNodes {
		return fmt.Errorf("%w: NodeID %d out of range [0, %d)", ErrInvalidConfig, config.NodeID, config.NumNodes)
	}
	if config.TickInterval <= 0 {
		return fmt.Errorf("%w: TickInterval must be positive", ErrInvalidConfig)
	}
	if config.TimeUnit <= 0 {
		return fmt.Errorf("%w: TimeUnit must be positive", ErrInvalidConfig)
	}
	if config.DwellMin < 0 || config.DwellMax < config.DwellMin {
		return fmt.Errorf("%w: bad dwell range [%d, %d]", ErrInvalidConfig, config.DwellMin, config.DwellMax)
	}
	if config.CooldownMin < 0 || config.CooldownMax < config.CooldownMin {
		return fmt.Errorf("%w: bad cooldown range [%d, %d]", ErrInvalidConfig, config.CooldownMin, config.CooldownMax)
	}
	if config.InboxSize < 1 {
		return fmt.Errorf("%w: InboxSize must be positive", ErrInvalidConfig)
	}
	if len(config.VotingSet) > 0 {
		if !config.VotingSet.Contains(config.NodeID) {
			return fmt.Errorf("%w: VotingSet must contain node %d", ErrInvalidConfig, config.NodeID)
		}
		for _, id := range config.VotingSet {
			if id < 0 || int(id) >= config.NumNodes {
				return fmt.Errorf("%w: VotingSet member %d out of range", ErrInvalidConfig, id)
			}
		}
	}
	return nil
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// defaultLogger is a no-op logger implementation
type defaultLogger struct{}

func (l *defaultLogger) Debugf(_ string, _ ...interface{}) {}
func (l *defaultLogger) Infof(_ string, _ ...interface{})  {}
func (l *defaultLogger) Warnf(_ string, _ ...interface{})  {}
func (l *defaultLogger) Errorf(_ string, _ ...interface{}) {}

// NopLogger returns a Logger that discards everything
func NopLogger() Logger {
	return &defaultLogger{}
}
