package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mempoolwatch/internal/dedup"
	"mempoolwatch/internal/keys"
	"mempoolwatch/internal/metrics"
	"mempoolwatch/internal/rules"
	"mempoolwatch/internal/windowstore"
	"mempoolwatch/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (s *captureSink) WriteAlerts(alerts []*models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alerts...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) snapshot() []*models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

type pipeRecorder struct {
	mu         sync.Mutex
	processed  int
	drops      map[string]int
	alerts     map[string]int
	suppressed map[string]int
}

func newPipeRecorder() *pipeRecorder {
	return &pipeRecorder{
		drops:      make(map[string]int),
		alerts:     make(map[string]int),
		suppressed: make(map[string]int),
	}
}

func (r *pipeRecorder) IncProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
}
func (r *pipeRecorder) IncDropped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops[reason]++
}
func (r *pipeRecorder) IncAlert(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[ruleID]++
}
func (r *pipeRecorder) IncSuppressed(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed[ruleID]++
}
func (r *pipeRecorder) IncRuleFault(string)                      {}
func (r *pipeRecorder) IncStoreDegraded()                        {}
func (r *pipeRecorder) ObserveLatency(time.Duration)             {}
func (r *pipeRecorder) ObserveRuleLatency(string, time.Duration) {}

func (r *pipeRecorder) processedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *pipeRecorder) dropCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drops[reason]
}

func (r *pipeRecorder) suppressedCount(ruleID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed[ruleID]
}

type echoRule struct{ id string }

func (r echoRule) ID() string { return r.id }
func (r echoRule) Evaluate(tx *models.Transaction, _ rules.Store) ([]*models.Alert, error) {
	return []*models.Alert{{RuleID: r.id, TxHash: tx.Hash, Severity: models.SeverityLow}}, nil
}

type blockingRule struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRule) ID() string { return "blocking" }
func (r *blockingRule) Evaluate(*models.Transaction, rules.Store) ([]*models.Alert, error) {
	r.entered <- struct{}{}
	<-r.release
	return nil, nil
}

func envelope(t *testing.T, hash, from, to string, gas uint64, ts time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"hash":        hash,
		"from":        from,
		"to":          to,
		"gas_price":   gas,
		"observed_at": ts.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return data
}

func buildProcessor(t *testing.T, cfg Config, ruleSet []rules.Rule, deduper dedup.Deduper) (*Processor, *captureSink, *pipeRecorder) {
	t.Helper()
	store := windowstore.New(windowstore.Config{})
	rec := newPipeRecorder()
	engine := rules.NewEngine(store, rec)
	for _, r := range ruleSet {
		engine.Register(r)
	}
	sink := &captureSink{}
	proc := NewProcessor(cfg, nil, store, keys.NewMapper(0, 0), engine, deduper, sink, rec)
	return proc, sink, rec
}

func startProcessor(t *testing.T, proc *Processor) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- proc.Run(context.Background()) }()
	waitState(t, proc, StateRunning)
	return done
}

func waitState(t *testing.T, proc *Processor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if proc.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("processor never reached state %s, stuck at %s", want, proc.State())
}

// submitWait retries Submit across the startup window where the run
// goroutine has not yet opened admission.
func submitWait(t *testing.T, proc *Processor, payload []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Submit(payload) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("submit never admitted")
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("processor did not stop in time")
		return nil
	}
}

func TestProcessorDetectsSandwichEndToEnd(t *testing.T) {
	store := windowstore.New(windowstore.Config{})
	rec := newPipeRecorder()
	engine := rules.NewEngine(store, rec)
	engine.Register(rules.NewSandwichRule(rules.SandwichConfig{Window: 30 * time.Second}))
	sink := &captureSink{}

	// One worker keeps queue order and processing order identical.
	proc := NewProcessor(Config{Workers: 1}, nil, store, keys.NewMapper(0, 0), engine, dedup.Nop{}, sink, rec)
	done := startProcessor(t, proc)

	base := time.Now().Add(-2 * time.Second)
	submitWait(t, proc, envelope(t, "0xfront", "0xattacker", "0xpool", 100, base))
	submitWait(t, proc, envelope(t, "0xvictim", "0xtrader", "0xpool", 50, base.Add(500*time.Millisecond)))
	submitWait(t, proc, envelope(t, "0xback", "0xattacker", "0xpool", 10, base.Add(time.Second)))

	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	alerts := sink.snapshot()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 sandwich alert, got %d", len(alerts))
	}
	if alerts[0].RuleID != rules.RuleIDSandwich || alerts[0].TxHash != "0xvictim" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
	if rec.processedCount() != 3 {
		t.Fatalf("expected 3 processed, got %d", rec.processedCount())
	}
}

func TestProcessorDropsMalformedEnvelopes(t *testing.T) {
	proc, sink, rec := buildProcessor(t, Config{Workers: 2}, nil, nil)
	done := startProcessor(t, proc)

	submitWait(t, proc, []byte("not json"))
	// Missing hash, then one well-formed envelope.
	submitWait(t, proc, []byte(`{"from":"0xa"}`))
	submitWait(t, proc, []byte(`{"hash":"0x1","from":"0xa","to":"0xb"}`))

	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := rec.dropCount(metrics.DropMalformed); got != 2 {
		t.Fatalf("expected 2 malformed drops, got %d", got)
	}
	if rec.processedCount() != 1 {
		t.Fatalf("expected 1 processed, got %d", rec.processedCount())
	}
	if len(sink.snapshot()) != 0 {
		t.Fatalf("expected no alerts")
	}
}

func TestProcessorDropsWhenQueueIsFull(t *testing.T) {
	rule := &blockingRule{entered: make(chan struct{}, 8), release: make(chan struct{})}
	proc, _, rec := buildProcessor(t, Config{Workers: 1, QueueCapacity: 1}, []rules.Rule{rule}, nil)
	done := startProcessor(t, proc)

	env := func(hash string) []byte {
		return envelope(t, hash, "0xa", "0xb", 1, time.Now())
	}

	// First envelope occupies the only worker.
	submitWait(t, proc, env("0x1"))
	<-rule.entered

	// Second fills the queue, third must be rejected without blocking.
	submitWait(t, proc, env("0x2"))
	if proc.Submit(env("0x3")) {
		t.Fatalf("expected rejection on full queue")
	}
	if got := rec.dropCount(metrics.DropQueueFull); got != 1 {
		t.Fatalf("expected 1 queue-full drop, got %d", got)
	}

	close(rule.release)
	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.processedCount() != 2 {
		t.Fatalf("expected 2 processed, got %d", rec.processedCount())
	}
}

func TestProcessorDrainProcessesQueuedWorkExactlyOnce(t *testing.T) {
	proc, sink, rec := buildProcessor(t, Config{Workers: 4, QueueCapacity: 64}, []rules.Rule{echoRule{id: "echo"}}, nil)
	done := startProcessor(t, proc)

	const n = 20
	for i := 0; i < n; i++ {
		submitWait(t, proc, envelope(t, hashN(i), "0xa", "0xb", 1, time.Now()))
	}

	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if proc.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", proc.State())
	}

	if rec.processedCount() != n {
		t.Fatalf("expected %d processed, got %d", n, rec.processedCount())
	}
	seen := make(map[string]int)
	for _, alert := range sink.snapshot() {
		seen[alert.TxHash]++
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct alerts, got %d", n, len(seen))
	}
	for hash, count := range seen {
		if count != 1 {
			t.Fatalf("tx %s processed %d times", hash, count)
		}
	}

	// Admission stays closed after the pipeline stopped.
	if proc.Submit([]byte(`{}`)) {
		t.Fatalf("expected submit rejection after stop")
	}
}

func TestProcessorSuppressesDuplicateAlerts(t *testing.T) {
	proc, sink, rec := buildProcessor(t, Config{Workers: 1}, []rules.Rule{echoRule{id: "echo"}}, dedup.NewMemory(time.Minute))
	done := startProcessor(t, proc)

	// Same transaction observed twice inside the suppression TTL.
	submitWait(t, proc, envelope(t, "0x1", "0xa", "0xb", 1, time.Now()))
	submitWait(t, proc, envelope(t, "0x1", "0xa", "0xb", 1, time.Now()))

	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("expected 1 delivered alert, got %d", got)
	}
	if got := rec.suppressedCount("echo"); got != 1 {
		t.Fatalf("expected 1 suppressed alert, got %d", got)
	}
}

func TestProcessorRunIsSingleUse(t *testing.T) {
	proc, _, _ := buildProcessor(t, Config{Workers: 1}, nil, nil)
	done := startProcessor(t, proc)

	proc.Drain()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := proc.Run(context.Background()); err != ErrNotIdle {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
}

func TestProcessorStopsOnContextCancel(t *testing.T) {
	proc, _, rec := buildProcessor(t, Config{Workers: 2}, []rules.Rule{echoRule{id: "echo"}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()
	waitState(t, proc, StateRunning)

	submitWait(t, proc, envelope(t, "0x1", "0xa", "0xb", 1, time.Now()))
	cancel()

	if err := waitDone(t, done); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if proc.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", proc.State())
	}
	if rec.processedCount() != 1 {
		t.Fatalf("expected queued tx to finish during drain, got %d processed", rec.processedCount())
	}
}

func hashN(i int) string {
	return "0x" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}
