package models

import (
	"time"
)

// SourceType represents the kind of feed source
type SourceType string

const (
	SourceTypeLocal SourceType = "local"
	SourceTypePeer  SourceType = "peer"
)

// Source represents a registered feed source in the cradle's registry
type Source struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`               // Human-friendly source name (hostname)
	Address      string            `json:"address,omitempty"`  // Reachable address for peer sources
	Type         SourceType        `json:"type"`
	Labels       map[string]string `json:"labels,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	RegisteredAt time.Time         `json:"registered_at"`
	FeedCount    uint64            `json:"feed_count"`
}

// SourceRegistration represents a source registration request
type SourceRegistration struct {
	Name    string            `json:"name"`
	Address string            `json:"address,omitempty"`
	Type    SourceType        `json:"type,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Signal is a single feed observation from a source. Signals are ephemeral:
// they update the per-source last-seen state and may be journaled, but carry
// no state of their own once applied.
type Signal struct {
	SourceID  string                 `json:"source_id"`
	Timestamp time.Time              `json:"timestamp"`
	Nonce     uint64                 `json:"nonce"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// SignalResult describes what the aggregator did with a signal
type SignalResult string

const (
	SignalAccepted  SignalResult = "accepted"
	SignalStale     SignalResult = "stale"     // older than current last-seen, ignored
	SignalDuplicate SignalResult = "duplicate" // already applied, ignored
	SignalUnknown   SignalResult = "unknown"   // source not registered
	SignalDead      SignalResult = "detonated" // cradle already detonated, no-op
)

// DetonationEvent records a terminal firing of the cradle
type DetonationEvent struct {
	ID         string    `json:"id"`
	FiredAt    time.Time `json:"fired_at"`
	Reason     string    `json:"reason"` // "threshold" or "forced"
	Threshold  string    `json:"threshold"`
	ArmedSince time.Time `json:"armed_since"`
	// Silence per source at the moment of detonation, for post-mortem
	SourceSilence map[string]string `json:"source_silence,omitempty"`
}

const (
	DetonationReasonThreshold = "threshold"
	DetonationReasonForced    = "forced"
)

// JournalEntry records how a single signal was handled
type JournalEntry struct {
	Signal   Signal       `json:"signal"`
	Result   SignalResult `json:"result"`
	LoggedAt time.Time    `json:"logged_at"`
}

// CradleStatus is the status document served to operators and peers
type CradleStatus struct {
	Node       string            `json:"node"`
	State      CradleState       `json:"state"`
	Threshold  string            `json:"threshold"`
	ArmedSince time.Time         `json:"armed_since,omitempty"`
	Sources    int               `json:"sources"`
	Silence    map[string]string `json:"silence,omitempty"` // per-source time since last feed
	LastEvent  *DetonationEvent  `json:"last_event,omitempty"`
	Version    string            `json:"version,omitempty"`
}
