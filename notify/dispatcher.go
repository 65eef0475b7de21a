package notify

import (
	"context"
	"errors"
	"io"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// DefaultSendTimeout bounds one output's Send call.
const DefaultSendTimeout = 10 * time.Second

// Output delivers alerts to one destination.
type Output interface {
	Name() string
	Send(ctx context.Context, alert *core.Alert) error
}

// Dispatcher fans alerts out to every output on a worker pool. Dispatch
// never blocks the caller: when the queue is full the alert is dropped and
// counted.
type Dispatcher struct {
	outputs     []Output
	pool        *core.WorkerPool
	sendTimeout time.Duration
	logger      *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher with its own worker pool bound to ctx.
func NewDispatcher(ctx context.Context, outputs []Output, workers, queueSize int, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		outputs:     outputs,
		pool:        core.NewWorkerPool(ctx, workers, queueSize, "alert_dispatch", logger),
		sendTimeout: DefaultSendTimeout,
		logger:      logger,
	}
}

// Start launches the dispatch workers.
func (d *Dispatcher) Start() {
	d.pool.Start()
}

// Dispatch queues alert for delivery and reports whether it was accepted.
func (d *Dispatcher) Dispatch(alert *core.Alert) bool {
	if len(d.outputs) == 0 {
		return true
	}
	err := d.pool.Submit(func(ctx context.Context) {
		d.deliver(ctx, alert)
	})
	if err != nil {
		metrics.AlertsDropped.Inc()
		if errors.Is(err, core.ErrWorkerPoolQueueFull) {
			d.logger.Warnw("Alert queue full, dropping alert", "alert_id", alert.ID, "sid", alert.SID)
		} else {
			d.logger.Warnw("Alert dispatcher not running, dropping alert", "alert_id", alert.ID, "error", err)
		}
		return false
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, alert *core.Alert) {
	for _, out := range d.outputs {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := out.Send(sendCtx, alert)
		cancel()
		if err != nil {
			metrics.AlertsDelivered.WithLabelValues(out.Name(), "error").Inc()
			d.logger.Errorw("Failed to deliver alert",
				"output", out.Name(),
				"alert_id", alert.ID,
				"sid", alert.SID,
				"error", err)
			continue
		}
		metrics.AlertsDelivered.WithLabelValues(out.Name(), "ok").Inc()
	}
}

// Stop drains queued alerts, then closes outputs that implement io.Closer.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
	for _, out := range d.outputs {
		if c, ok := out.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.logger.Warnw("Failed to close output", "output", out.Name(), "error", err)
			}
		}
	}
}

// Outputs returns the configured outputs.
func (d *Dispatcher) Outputs() []Output {
	return d.outputs
}
