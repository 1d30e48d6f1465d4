package audit

import (
	"context"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/config"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/logging"
)

// Emitter records completed transfers.
type Emitter interface {
	EmitTransfer(ctx context.Context, t TransferInfo, p ProducerInfo) error
	Close() error
}

// NewEmitter picks an emitter from configuration: no-op when disabled,
// HTTP when an endpoint is set, otherwise file-only.
func NewEmitter(cfg config.AuditConfig) Emitter {
	log := logging.Component("audit")

	if !cfg.Enabled {
		log.Debug("disabled, using no-op emitter")
		return noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg config.AuditConfig) Emitter {
	log := logging.Component("audit")
	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file-only emitter", "dir", cfg.BackupDir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) EmitTransfer(ctx context.Context, t TransferInfo, p ProducerInfo) error {
	return w.emitter.Emit(ctx, &Event{Transfer: t, Producer: p})
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) EmitTransfer(_ context.Context, t TransferInfo, p ProducerInfo) error {
	return w.emitter.Emit(&Event{Transfer: t, Producer: p})
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type noopEmitter struct{}

func (noopEmitter) EmitTransfer(context.Context, TransferInfo, ProducerInfo) error { return nil }

func (noopEmitter) Close() error { return nil }
