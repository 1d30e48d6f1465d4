package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
)

// FileBackup saves audit events to local files.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./state/audit"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir, log: logging.Component("audit")}, nil
}

// Save writes an event to {target}_{run_id}.json.
func (f *FileBackup) Save(evt *Event) error {
	filename := fmt.Sprintf("%s_%s.json", sanitize(evt.Transfer.TargetURI), evt.Transfer.RunID)
	path := filepath.Join(f.dir, filename)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	f.log.Debug("event backed up", "path", path)
	return nil
}

// Load returns the backed up events of targetURI ordered by chain seq.
func (f *FileBackup) Load(targetURI string) ([]Event, error) {
	paths, err := filepath.Glob(filepath.Join(f.dir, sanitize(targetURI)+"_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var events []Event
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read backup: %w", err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("parse backup %s: %w", path, err)
		}
		// Sanitized names can collide across targets.
		if evt.Transfer.TargetURI == targetURI {
			events = append(events, evt)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Chain.Seq < events[j].Chain.Seq })
	return events, nil
}

// VerifyBackups checks the backed up chain of targetURI in dir and returns
// its length.
func VerifyBackups(dir, targetURI string) (int, error) {
	backup, err := NewFileBackup(dir)
	if err != nil {
		return 0, err
	}
	events, err := backup.Load(targetURI)
	if err != nil {
		return 0, err
	}
	if len(events) > 0 && events[0].Chain.PrevEventHash != "" {
		return len(events), fmt.Errorf("%w: oldest backup %s is not a chain start", ErrBrokenChain, events[0].EventID)
	}
	return len(events), VerifyChain(events)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// FileOnlyEmitter writes events to files only.
// Used when no audit endpoint is configured.
type FileOnlyEmitter struct {
	heads  *Heads
	backup *FileBackup
	log    *slog.Logger
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	heads, err := OpenHeads(backupDir)
	if err != nil {
		return nil, err
	}

	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		heads:  heads,
		backup: backup,
		log:    logging.Component("audit"),
	}, nil
}

// Emit chains evt onto its target's head and writes it to a local file.
func (e *FileOnlyEmitter) Emit(evt *Event) error {
	chainKey := evt.Transfer.ChainKey()

	prev, _ := e.heads.Get(chainKey)
	evt.stamp(prev)

	e.log.Info("file-only emit",
		"chain", chainKey,
		"seq", evt.Chain.Seq,
		"run_id", evt.Transfer.RunID,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.heads.Advance(chainKey, evt); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
