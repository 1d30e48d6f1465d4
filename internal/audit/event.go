// Package audit emits tamper-evident transfer events. Each event carries the
// hash of the previous event for the same target, forming a chain per target.
package audit

import (
	"time"
)

const (
	eventVersion = "1.0"

	// EventTypeTransferCompleted marks a committed target.
	EventTypeTransferCompleted = "transfer_completed"
)

// Event is the wire form of an audit record.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Transfer TransferInfo `json:"transfer"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// TransferInfo describes one committed transfer.
type TransferInfo struct {
	RunID     string `json:"run_id"`
	Mode      string `json:"mode"`
	SourceURI string `json:"source_uri"`
	TargetURI string `json:"target_uri"`
	IndexURI  string `json:"index_uri,omitempty"`
	SHA256    string `json:"sha256"`
	ChunkSize int    `json:"chunk_size"`
	Blocks    int64  `json:"blocks"`
	BytesIn   int64  `json:"bytes_in"`
	BytesOut  int64  `json:"bytes_out"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	Seq           int64  `json:"seq"` // 1 for the first event of a target
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this transfer extends.
func (t TransferInfo) ChainKey() string {
	return t.TargetURI
}

// SetChainHashes links the event to prevHash and seals it.
func (e *Event) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}

// stamp fills the fields owned by the emitter and links the event after
// prev, the zero Head for a new chain.
func (e *Event) stamp(prev Head) {
	e.Version = eventVersion
	e.EventType = EventTypeTransferCompleted
	e.EventID = newEventID()
	e.Timestamp = time.Now().UTC()
	e.Chain.Seq = prev.Seq + 1
	e.SetChainHashes(prev.EventHash)
}
