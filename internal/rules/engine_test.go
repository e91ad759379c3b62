package rules

import (
	"sync"
	"testing"
	"time"

	"mempoolwatch/internal/windowstore"
	"mempoolwatch/pkg/models"
)

type countingRecorder struct {
	mu        sync.Mutex
	faults    map[string]int
	ruleLat   map[string]int
	degraded  int
	processed int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		faults:  make(map[string]int),
		ruleLat: make(map[string]int),
	}
}

func (c *countingRecorder) IncProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
}
func (c *countingRecorder) IncDropped(string)    {}
func (c *countingRecorder) IncAlert(string)      {}
func (c *countingRecorder) IncSuppressed(string) {}
func (c *countingRecorder) IncRuleFault(ruleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[ruleID]++
}
func (c *countingRecorder) IncStoreDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded++
}
func (c *countingRecorder) ObserveLatency(time.Duration) {}
func (c *countingRecorder) ObserveRuleLatency(ruleID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ruleLat[ruleID]++
}

type staticRule struct {
	id     string
	alerts []*models.Alert
}

func (r *staticRule) ID() string { return r.id }
func (r *staticRule) Evaluate(*models.Transaction, Store) ([]*models.Alert, error) {
	return r.alerts, nil
}

type panickingRule struct{}

func (panickingRule) ID() string { return "broken" }
func (panickingRule) Evaluate(*models.Transaction, Store) ([]*models.Alert, error) {
	panic("boom")
}

type storeReadingRule struct{}

func (storeReadingRule) ID() string { return "reader" }
func (storeReadingRule) Evaluate(tx *models.Transaction, store Store) ([]*models.Alert, error) {
	if _, err := store.RecentOrdered("k", time.Minute); err != nil {
		return nil, err
	}
	return []*models.Alert{{RuleID: "reader", TxHash: tx.Hash, Severity: models.SeverityLow}}, nil
}

func TestEngineIsolatesFaultingRule(t *testing.T) {
	rec := newCountingRecorder()
	engine := NewEngine(windowstore.New(windowstore.Config{}), rec)
	engine.Register(&staticRule{id: "first", alerts: []*models.Alert{{RuleID: "first", TxHash: "0x1", Severity: models.SeverityLow}}})
	engine.Register(panickingRule{})
	engine.Register(&staticRule{id: "last", alerts: []*models.Alert{{RuleID: "last", TxHash: "0x1", Severity: models.SeverityLow}}})

	alerts := engine.Evaluate(&models.Transaction{Hash: "0x1"})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts around the faulting rule, got %d", len(alerts))
	}
	if alerts[0].RuleID != "first" || alerts[1].RuleID != "last" {
		t.Fatalf("unexpected rule order: %s, %s", alerts[0].RuleID, alerts[1].RuleID)
	}
	if rec.faults["broken"] != 1 {
		t.Fatalf("expected 1 recorded fault, got %d", rec.faults["broken"])
	}
}

func TestEngineSkipsWindowRulesWhenStoreDegraded(t *testing.T) {
	store := windowstore.New(windowstore.Config{})
	rec := newCountingRecorder()
	engine := NewEngine(store, rec)
	engine.Register(storeReadingRule{})
	engine.Register(&staticRule{id: "static", alerts: []*models.Alert{{RuleID: "static", TxHash: "0x1", Severity: models.SeverityLow}}})

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	alerts := engine.Evaluate(&models.Transaction{Hash: "0x1"})
	if len(alerts) != 1 || alerts[0].RuleID != "static" {
		t.Fatalf("expected only the non-window rule to fire, got %+v", alerts)
	}
	if rec.degraded != 1 {
		t.Fatalf("expected 1 degraded increment, got %d", rec.degraded)
	}
}

func TestEngineStampsAlertIDAndDetectionTime(t *testing.T) {
	engine := NewEngine(windowstore.New(windowstore.Config{}), nil)
	engine.Register(&staticRule{id: "r", alerts: []*models.Alert{{RuleID: "r", TxHash: "0x1", Severity: models.SeverityLow}}})

	alerts := engine.Evaluate(&models.Transaction{Hash: "0x1"})
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertID == "" {
		t.Fatalf("expected alert id to be stamped")
	}
	if alerts[0].DetectedAt.IsZero() {
		t.Fatalf("expected detection time to be stamped")
	}
}

func TestEngineObservesPerRuleLatency(t *testing.T) {
	rec := newCountingRecorder()
	engine := NewEngine(windowstore.New(windowstore.Config{}), rec)
	engine.Register(&staticRule{id: "quiet"})
	engine.Register(panickingRule{})

	engine.Evaluate(&models.Transaction{Hash: "0x1"})
	engine.Evaluate(&models.Transaction{Hash: "0x2"})

	if rec.ruleLat["quiet"] != 2 {
		t.Fatalf("expected 2 latency observations for quiet, got %d", rec.ruleLat["quiet"])
	}
	// Faulting evaluations are still timed.
	if rec.ruleLat["broken"] != 2 {
		t.Fatalf("expected 2 latency observations for broken, got %d", rec.ruleLat["broken"])
	}
}

func TestEngineEvaluationIsDeterministic(t *testing.T) {
	store := windowstore.New(windowstore.Config{})
	base := time.Now().Add(-3 * time.Second)
	insertPoolTx(t, store, "0xfront", "0xattacker", 100, base)
	insertPoolTx(t, store, "0xvictim", "0xother", 50, base.Add(time.Second))
	insertPoolTx(t, store, "0xback", "0xattacker", 10, base.Add(2*time.Second))

	engine := NewEngine(store, nil)
	engine.Register(NewSandwichRule(SandwichConfig{Window: 30 * time.Second}))

	back := &models.Transaction{Hash: "0xback", From: "0xattacker", To: pool, GasPrice: 10}
	first := engine.Evaluate(back)
	second := engine.Evaluate(back)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 alert on both runs, got %d and %d", len(first), len(second))
	}
	if first[0].TxHash != second[0].TxHash || first[0].Reason != second[0].Reason {
		t.Fatalf("evaluation not deterministic: %+v vs %+v", first[0], second[0])
	}
}
