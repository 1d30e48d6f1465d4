package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoChainHead is returned for a target nothing was emitted for yet.
	ErrNoChainHead = errors.New("no chain head found")

	// ErrBrokenChain is returned by VerifyChain when a link does not match.
	ErrBrokenChain = errors.New("audit chain broken")
)

const headsFile = "audit-chain-heads.json"

// ComputeEventHash hashes the event's JSON form with event_hash blanked.
func ComputeEventHash(evt *Event) string {
	sealed := *evt
	sealed.Chain.EventHash = ""

	canonical, err := json.Marshal(sealed)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Head is the newest event of one target's chain.
type Head struct {
	EventHash string    `json:"event_hash"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Heads maps target URIs to their chain head. Every change is written
// through to dir/audit-chain-heads.json.
type Heads struct {
	mu    sync.RWMutex
	path  string
	heads map[string]Head
}

// OpenHeads loads the head file in dir, creating dir if needed.
func OpenHeads(dir string) (*Heads, error) {
	if dir == "" {
		dir = "./state/audit"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	h := &Heads{
		path:  filepath.Join(dir, headsFile),
		heads: make(map[string]Head),
	}
	data, err := os.ReadFile(h.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &h.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", h.path, err)
		}
	}
	return h, nil
}

// Get returns the head of target's chain, or ErrNoChainHead.
func (h *Heads) Get(target string) (Head, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	head, ok := h.heads[target]
	if !ok || head.EventHash == "" {
		return Head{}, ErrNoChainHead
	}
	return head, nil
}

// Advance moves target's head to evt.
func (h *Heads) Advance(target string, evt *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.heads[target]
	h.heads[target] = Head{
		EventHash: evt.Chain.EventHash,
		RunID:     evt.Transfer.RunID,
		Seq:       evt.Chain.Seq,
		UpdatedAt: evt.Timestamp,
	}
	if err := h.flush(); err != nil {
		h.heads[target] = prev
		return err
	}
	return nil
}

func (h *Heads) flush() error {
	data, err := json.MarshalIndent(h.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename chain heads: %w", err)
	}
	return nil
}

// VerifyChain checks that events, oldest first, form one unbroken chain:
// every hash matches its content, every event names its predecessor and
// sequence numbers grow by one.
func VerifyChain(events []Event) error {
	for i := range events {
		evt := &events[i]
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("%w: event %s hash %s, recomputed %s", ErrBrokenChain, evt.EventID, evt.Chain.EventHash, got)
		}
		if i == 0 {
			continue
		}
		prev := &events[i-1]
		if evt.Chain.PrevEventHash != prev.Chain.EventHash {
			return fmt.Errorf("%w: event %s does not follow %s", ErrBrokenChain, evt.EventID, prev.EventID)
		}
		if evt.Chain.Seq != prev.Chain.Seq+1 {
			return fmt.Errorf("%w: event %s seq %d after %d", ErrBrokenChain, evt.EventID, evt.Chain.Seq, prev.Chain.Seq)
		}
	}
	return nil
}

func newEventID() string {
	return "audit_evt_" + uuid.NewString()
}
