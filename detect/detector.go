package detect

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"logcorr/core"

	"go.uber.org/zap"
)

// AlertSink receives fired alerts. Dispatch must not block.
type AlertSink interface {
	Dispatch(alert *core.Alert) bool
}

// Detector runs the engine on events from the input channel with a fixed
// number of workers.
type Detector struct {
	engine       *Engine
	inputEventCh <-chan *core.Event
	sink         AlertSink
	workers      int
	wg           sync.WaitGroup
	stopCh       chan struct{}
	stopOnce     sync.Once
	logger       *zap.SugaredLogger
}

// NewDetector creates a Detector. workers below one means one.
func NewDetector(engine *Engine, inputEventCh <-chan *core.Event, sink AlertSink, workers int, logger *zap.SugaredLogger) *Detector {
	if workers < 1 {
		workers = 1
	}
	return &Detector{
		engine:       engine,
		inputEventCh: inputEventCh,
		sink:         sink,
		workers:      workers,
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
}

// Start launches the workers. They exit when the input channel is closed,
// Stop is called, or ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	d.logger.Infow("Detector started",
		"workers", d.workers,
		"rules", len(d.engine.Rules()))
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i)
	}
}

func (d *Detector) run(ctx context.Context, id int) {
	defer d.wg.Done()

	processed := 0
	for {
		select {
		case <-d.stopCh:
			d.logger.Debugw("Detector worker stopped", "worker", id, "events", processed)
			return
		case <-ctx.Done():
			d.logger.Debugw("Detector worker cancelled", "worker", id, "events", processed)
			return
		case event, ok := <-d.inputEventCh:
			if !ok {
				d.logger.Debugw("Detector worker finished, input closed", "worker", id, "events", processed)
				return
			}
			processed++
			d.process(ctx, event)
		}
	}
}

func (d *Detector) process(ctx context.Context, event *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Panic while processing event",
				"event_id", event.EventID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	for _, alert := range d.engine.Process(ctx, event) {
		d.logger.Debugw("Rule fired",
			"rule", alert.GID, "sid", alert.SID,
			"msg", alert.Msg,
			"src", alert.SrcIP, "dst", alert.DstIP)
		if d.sink != nil {
			d.sink.Dispatch(alert)
		}
	}
}

// Wait blocks until every worker has exited.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// Stop signals the workers and waits up to 30s for them to finish.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Detector stopped successfully")
	case <-time.After(30 * time.Second):
		d.logger.Warn("Detector shutdown timed out after 30s - some workers may still be running")
	}
}
