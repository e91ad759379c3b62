package rules

import (
	"fmt"
	"time"

	"mempoolwatch/internal/keys"
	"mempoolwatch/pkg/models"
)

// Rule ids for the transfer-graph anomaly rules.
const (
	RuleIDFanOut = "anomalous-fanout"
	RuleIDFanIn  = "anomalous-fanin"
)

// FanConfig controls the transfer-graph anomaly rules.
type FanConfig struct {
	Window          time.Duration
	FanOutThreshold int
	FanInThreshold  int
}

func (c FanConfig) withDefaults() FanConfig {
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.FanOutThreshold <= 0 {
		c.FanOutThreshold = 50
	}
	if c.FanInThreshold <= 0 {
		c.FanInThreshold = 50
	}
	return c
}

// FanOutRule flags a sender reaching too many distinct recipients within
// the window. The transaction that pushes the count past the threshold is
// the alert's primary transaction.
type FanOutRule struct {
	cfg FanConfig
}

// NewFanOutRule creates the rule with defaults applied.
func NewFanOutRule(cfg FanConfig) *FanOutRule {
	return &FanOutRule{cfg: cfg.withDefaults()}
}

// ID returns the rule id.
func (r *FanOutRule) ID() string { return RuleIDFanOut }

// Evaluate counts distinct recipients on the sender's fan-out window.
func (r *FanOutRule) Evaluate(tx *models.Transaction, store Store) ([]*models.Alert, error) {
	if tx.From == "" {
		return nil, nil
	}
	count, err := store.DistinctCount(keys.FanOut(tx.From), r.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count <= r.cfg.FanOutThreshold {
		return nil, nil
	}

	alert := &models.Alert{
		RuleID:   RuleIDFanOut,
		Severity: fanSeverity(count, r.cfg.FanOutThreshold),
		TxHash:   tx.Hash,
		Evidence: []string{tx.Hash},
		Reason: fmt.Sprintf("sender %s reached %d distinct recipients within %s (threshold %d)",
			tx.From, count, r.cfg.Window, r.cfg.FanOutThreshold),
	}
	return []*models.Alert{alert}, nil
}

// FanInRule is the symmetric check on a recipient's distinct senders.
type FanInRule struct {
	cfg FanConfig
}

// NewFanInRule creates the rule with defaults applied.
func NewFanInRule(cfg FanConfig) *FanInRule {
	return &FanInRule{cfg: cfg.withDefaults()}
}

// ID returns the rule id.
func (r *FanInRule) ID() string { return RuleIDFanIn }

// Evaluate counts distinct senders on the recipient's fan-in window.
func (r *FanInRule) Evaluate(tx *models.Transaction, store Store) ([]*models.Alert, error) {
	if tx.To == "" {
		return nil, nil
	}
	count, err := store.DistinctCount(keys.FanIn(tx.To), r.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count <= r.cfg.FanInThreshold {
		return nil, nil
	}

	alert := &models.Alert{
		RuleID:   RuleIDFanIn,
		Severity: fanSeverity(count, r.cfg.FanInThreshold),
		TxHash:   tx.Hash,
		Evidence: []string{tx.Hash},
		Reason: fmt.Sprintf("recipient %s reached %d distinct senders within %s (threshold %d)",
			tx.To, count, r.cfg.Window, r.cfg.FanInThreshold),
	}
	return []*models.Alert{alert}, nil
}

func fanSeverity(count, threshold int) models.Severity {
	if count > 2*threshold {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}
