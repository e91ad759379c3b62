package rules

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"mempoolwatch/internal/logger"
	"mempoolwatch/internal/metrics"
	"mempoolwatch/pkg/models"
)

// Store is the read surface rules get over recent transaction history.
type Store interface {
	DistinctCount(key string, window time.Duration) (int, error)
	RecentOrdered(key string, window time.Duration) ([]models.TxRef, error)
}

// Rule is a single named detection. Evaluating the same rule twice on the
// same transaction with the same store contents must yield the same alerts.
// A returned error means the store was unavailable; rule-internal faults
// surface as panics and are isolated by the engine.
type Rule interface {
	ID() string
	Evaluate(tx *models.Transaction, store Store) ([]*models.Alert, error)
}

// Engine holds the registered rules and evaluates them independently
// against each transaction. The registry is fixed after startup and safe
// for unsynchronized concurrent reads.
type Engine struct {
	rules []Rule
	store Store
	rec   metrics.Recorder
	now   func() time.Time
}

// NewEngine creates an engine bound to a store and a metrics recorder.
func NewEngine(store Store, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Engine{
		store: store,
		rec:   rec,
		now:   time.Now,
	}
}

// Register appends a rule. Not safe to call once evaluation has started.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
}

// Rules returns the registered rule ids in evaluation order.
func (e *Engine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.ID()
	}
	return out
}

// Evaluate runs every rule against tx and concatenates the produced alerts.
// A faulting rule is recorded and skipped; a store error skips only the
// window-dependent rule that hit it.
func (e *Engine) Evaluate(tx *models.Transaction) []*models.Alert {
	var out []*models.Alert
	for _, rule := range e.rules {
		start := time.Now()
		alerts, err := e.evalOne(rule, tx)
		e.rec.ObserveRuleLatency(rule.ID(), time.Since(start))
		if err != nil {
			e.rec.IncStoreDegraded()
			logger.Warnf("Rule %s skipped, store degraded: %v", rule.ID(), err)
			continue
		}
		for _, alert := range alerts {
			if alert.AlertID == "" {
				alert.AlertID = newAlertID(alert.TxHash)
			}
			if alert.DetectedAt.IsZero() {
				alert.DetectedAt = e.now()
			}
			out = append(out, alert)
		}
	}
	return out
}

func (e *Engine) evalOne(rule Rule, tx *models.Transaction) (alerts []*models.Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.rec.IncRuleFault(rule.ID())
			logger.Errorf("Rule %s faulted on tx %s: %v", rule.ID(), tx.Hash, r)
			alerts, err = nil, nil
		}
	}()
	return rule.Evaluate(tx, e.store)
}

func newAlertID(txHash string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return txHash + "-" + time.Now().Format("20060102150405")
	}
	return txHash + "-" + hex.EncodeToString(buf)
}
