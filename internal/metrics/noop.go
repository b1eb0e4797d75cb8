package metrics

import (
	"context"
	"errors"
	"log"
)

// NoOpExporter is a recorder that does nothing.
type NoOpExporter struct{}

// NewNoOpExporter creates a new no-op exporter for graceful degradation.
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (NoOpExporter) Accrued(context.Context, int64)        {}
func (NoOpExporter) Discarded(context.Context, string)     {}
func (NoOpExporter) Flushed(context.Context, int64, error) {}
func (NoOpExporter) PageReported(context.Context, int64)   {}
func (NoOpExporter) Close(context.Context) error           { return nil }

// Recorder is what callers hold: the tracker's measurements plus Close.
type Recorder interface {
	Accrued(ctx context.Context, seconds int64)
	Discarded(ctx context.Context, reason string)
	Flushed(ctx context.Context, seconds int64, err error)
	PageReported(ctx context.Context, seconds int64)
	Close(ctx context.Context) error
}

// New returns an OTEL exporter, or a no-op recorder when telemetry is
// disabled or the exporter cannot be created.
func New(ctx context.Context, cfg Config, logger *log.Logger) Recorder {
	e, err := NewExporter(ctx, cfg)
	if err != nil {
		if !errors.Is(err, ErrDisabled) && logger != nil {
			logger.Printf("telemetry unavailable, continuing without metrics: %v", err)
		}
		return NewNoOpExporter()
	}
	return e
}
