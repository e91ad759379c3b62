package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"mempoolwatch/internal/dedup"
	"mempoolwatch/internal/feed"
	"mempoolwatch/internal/keys"
	"mempoolwatch/internal/logger"
	"mempoolwatch/internal/metrics"
	"mempoolwatch/internal/rules"
	"mempoolwatch/internal/windowstore"
	"mempoolwatch/pkg/models"
)

// ErrNotIdle is returned when Run is called on a processor that already ran.
var ErrNotIdle = errors.New("processor is not idle")

// State is the processor lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source supplies raw transaction envelopes. A nil payload means the feed
// was quiet for one block interval.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
}

// AlertSink receives alert batches. Implementations must tolerate
// concurrent calls from all workers.
type AlertSink interface {
	WriteAlerts(alerts []*models.Alert) error
	Close() error
}

// Config controls processor sizing.
type Config struct {
	Workers       int
	QueueCapacity int
}

// Processor is the bounded-concurrency detection pipeline: a fixed worker
// pool pulls envelopes from a bounded queue, drives window inserts and rule
// evaluation, and forwards surviving alerts to the sink. Admission control
// drops on a full queue rather than blocking the feed.
type Processor struct {
	cfg     Config
	source  Source
	store   *windowstore.Store
	mapper  *keys.Mapper
	engine  *rules.Engine
	deduper dedup.Deduper
	sink    AlertSink
	rec     metrics.Recorder

	state     atomic.Int32
	queue     chan []byte
	admitMu   sync.RWMutex
	admitting bool
	drainOnce sync.Once
	drainCh   chan struct{}
}

// NewProcessor wires the pipeline. source may be nil when envelopes are
// submitted directly (tests, push-based feeds).
func NewProcessor(cfg Config, source Source, store *windowstore.Store, mapper *keys.Mapper, engine *rules.Engine, deduper dedup.Deduper, sink AlertSink, rec metrics.Recorder) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if deduper == nil {
		deduper = dedup.Nop{}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Processor{
		cfg:     cfg,
		source:  source,
		store:   store,
		mapper:  mapper,
		engine:  engine,
		deduper: deduper,
		sink:    sink,
		rec:     rec,
		queue:   make(chan []byte, cfg.QueueCapacity),
		drainCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Run transitions Idle -> Running and blocks until the pipeline has fully
// drained after ctx cancellation or an explicit Drain call.
func (p *Processor) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrNotIdle
	}

	p.admitMu.Lock()
	p.admitting = true
	p.admitMu.Unlock()

	logger.Infof("Stream processor running: workers=%d queue=%d", p.cfg.Workers, p.cfg.QueueCapacity)

	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()

	var readWG, workWG sync.WaitGroup
	if p.source != nil {
		readWG.Add(1)
		go func() {
			defer readWG.Done()
			p.readLoop(readCtx)
		}()
	}

	for i := 0; i < p.cfg.Workers; i++ {
		workWG.Add(1)
		go func() {
			defer workWG.Done()
			for payload := range p.queue {
				p.process(payload)
			}
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-p.drainCh:
		}
		p.state.Store(int32(StateDraining))
		logger.Infof("Stream processor draining")

		// Stop admission before closing the queue so no Submit can race
		// a send onto a closed channel.
		p.admitMu.Lock()
		p.admitting = false
		p.admitMu.Unlock()

		cancelRead()
		readWG.Wait()
		close(p.queue)
	}()

	workWG.Wait()
	p.state.Store(int32(StateStopped))
	logger.Infof("Stream processor stopped")

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Drain stops queue admission and lets in-flight transactions complete.
// Run returns once the workers finish.
func (p *Processor) Drain() {
	p.drainOnce.Do(func() {
		close(p.drainCh)
	})
}

// Submit offers one envelope to the ingestion queue. It reports false when
// the envelope was not admitted; a full queue is counted as a drop.
func (p *Processor) Submit(payload []byte) bool {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()

	if !p.admitting {
		return false
	}
	select {
	case p.queue <- payload:
		return true
	default:
		p.rec.IncDropped(metrics.DropQueueFull)
		return false
	}
}

func (p *Processor) readLoop(ctx context.Context) {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop feed envelope: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		p.Submit(payload)
	}
}

func (p *Processor) process(payload []byte) {
	start := time.Now()

	tx, err := feed.Decode(payload)
	if err != nil {
		p.rec.IncDropped(metrics.DropMalformed)
		logger.Debugf("Dropped malformed envelope: %v", err)
		return
	}

	degraded := false
	for _, ins := range p.mapper.Map(tx) {
		if err := p.store.Insert(ins.Key, ins.Ref, ins.Window); err != nil {
			degraded = true
		}
	}
	if degraded {
		p.rec.IncStoreDegraded()
	}

	alerts := p.engine.Evaluate(tx)
	if len(alerts) > 0 {
		p.emit(alerts)
	}

	p.rec.IncProcessed()
	p.rec.ObserveLatency(time.Since(start))
}

func (p *Processor) emit(alerts []*models.Alert) {
	out := make([]*models.Alert, 0, len(alerts))
	for _, alert := range alerts {
		seen, err := p.deduper.Seen(context.Background(), alert.DedupKey())
		if err != nil {
			// Suppression is best-effort: deliver rather than lose.
			logger.Warnf("Dedup check failed for %s: %v", alert.RuleID, err)
		} else if seen {
			p.rec.IncSuppressed(alert.RuleID)
			continue
		}
		out = append(out, alert)
	}
	if len(out) == 0 {
		return
	}

	if err := p.sink.WriteAlerts(out); err != nil {
		logger.Errorf("Failed to write alerts: %v", err)
		return
	}
	for _, alert := range out {
		p.rec.IncAlert(alert.RuleID)
	}
}
