package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
)

func backupFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*_run-*.json"))
	require.NoError(t, err)
	return matches
}

func TestHeads_Persist(t *testing.T) {
	dir := t.TempDir()
	h, err := OpenHeads(dir)
	require.NoError(t, err)

	_, err = h.Get("k")
	assert.ErrorIs(t, err, ErrNoChainHead)

	evt := &Event{Transfer: TransferInfo{RunID: "run-1"}, Chain: ChainInfo{Seq: 1, EventHash: "sha256:1"}}
	require.NoError(t, h.Advance("k", evt))

	reopened, err := OpenHeads(dir)
	require.NoError(t, err)
	head, err := reopened.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "sha256:1", head.EventHash)
	assert.Equal(t, "run-1", head.RunID)
	assert.Equal(t, int64(1), head.Seq)
}

func TestOpenHeads_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, headsFile), []byte("{"), 0644))
	_, err := OpenHeads(dir)
	assert.Error(t, err)
}

func TestFileOnlyEmitter_ChainsPerTarget(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)

	first := &Event{Transfer: TransferInfo{RunID: "run-1", TargetURI: "file:///out.bin"}}
	require.NoError(t, e.Emit(first))
	assert.Empty(t, first.Chain.PrevEventHash)
	assert.Equal(t, EventTypeTransferCompleted, first.EventType)
	assert.NotEmpty(t, first.EventID)

	second := &Event{Transfer: TransferInfo{RunID: "run-2", TargetURI: "file:///out.bin"}}
	require.NoError(t, e.Emit(second))
	assert.Equal(t, first.Chain.EventHash, second.Chain.PrevEventHash)
	assert.Equal(t, int64(1), first.Chain.Seq)
	assert.Equal(t, int64(2), second.Chain.Seq)

	other := &Event{Transfer: TransferInfo{RunID: "run-3", TargetURI: "file:///other.bin"}}
	require.NoError(t, e.Emit(other))
	assert.Empty(t, other.Chain.PrevEventHash, "chains are per target")

	assert.Len(t, backupFiles(t, dir), 3)

	n, err := VerifyBackups(dir, "file:///out.bin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyBackups_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	require.NoError(t, err)

	for _, run := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, e.Emit(&Event{Transfer: TransferInfo{RunID: run, TargetURI: "file:///out.bin"}}))
	}

	path := filepath.Join(dir, sanitize("file:///out.bin")+"_run-2.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	evt.Transfer.SHA256 = "sha256:tampered"
	data, err = json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = VerifyBackups(dir, "file:///out.bin")
	assert.ErrorIs(t, err, ErrBrokenChain)
}

func TestVerifyChain_Gaps(t *testing.T) {
	var prev Head
	var events []Event
	for _, run := range []string{"run-1", "run-2", "run-3"} {
		evt := Event{Transfer: TransferInfo{RunID: run, TargetURI: "t"}}
		evt.stamp(prev)
		prev = Head{EventHash: evt.Chain.EventHash, Seq: evt.Chain.Seq}
		events = append(events, evt)
	}
	require.NoError(t, VerifyChain(events))
	assert.NoError(t, VerifyChain(nil))

	assert.ErrorIs(t, VerifyChain([]Event{events[0], events[2]}), ErrBrokenChain)
}

func TestHTTPEmitter_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	gotCh := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(config.AuditConfig{Enabled: true, Endpoint: srv.URL, BackupDir: dir, MaxRetries: 3})
	require.NoError(t, err)
	e.initialInterval = time.Millisecond

	evt := &Event{Transfer: TransferInfo{RunID: "run-1", TargetURI: "s3://b/out.bin"}}
	require.NoError(t, e.Emit(context.Background(), evt))

	assert.Equal(t, int32(3), calls.Load())
	got := <-gotCh
	assert.Equal(t, evt.Chain.EventHash, got.Chain.EventHash)

	head, err := e.heads.Get("s3://b/out.bin")
	require.NoError(t, err)
	assert.Equal(t, evt.Chain.EventHash, head.EventHash)
	assert.Equal(t, "run-1", head.RunID)
}

func TestHTTPEmitter_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(config.AuditConfig{Enabled: true, Endpoint: srv.URL, BackupDir: dir, MaxRetries: 5})
	require.NoError(t, err)
	e.initialInterval = time.Millisecond

	evt := &Event{Transfer: TransferInfo{RunID: "run-1", TargetURI: "s3://b/out.bin"}}
	err = e.Emit(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
	assert.Equal(t, int32(1), calls.Load())

	_, err = e.heads.Get("s3://b/out.bin")
	assert.ErrorIs(t, err, ErrNoChainHead, "failed emit leaves the chain untouched")
	assert.Len(t, backupFiles(t, dir), 1, "backup written before the POST")
}

func TestHTTPEmitter_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(config.AuditConfig{Enabled: true, Endpoint: srv.URL, BackupDir: t.TempDir(), MaxRetries: 2})
	require.NoError(t, err)
	e.initialInterval = time.Millisecond

	err = e.Emit(context.Background(), &Event{Transfer: TransferInfo{RunID: "run-1", TargetURI: "x"}})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewEmitter(t *testing.T) {
	assert.IsType(t, noopEmitter{}, NewEmitter(config.AuditConfig{}))

	dir := t.TempDir()
	e := NewEmitter(config.AuditConfig{Enabled: true, BackupDir: dir})
	require.IsType(t, &fileOnlyEmitterWrapper{}, e)
	defer e.Close()

	err := e.EmitTransfer(context.Background(),
		TransferInfo{RunID: "run-9", TargetURI: "file:///t.bin"},
		ProducerInfo{Name: "chunk-copier"})
	require.NoError(t, err)

	files := backupFiles(t, dir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "chunk-copier", evt.Producer.Name)
	assert.Equal(t, "run-9", evt.Transfer.RunID)
}
