package rules

import (
	"fmt"
	"time"

	"mempoolwatch/internal/keys"
	"mempoolwatch/pkg/models"
)

// RuleIDSandwich identifies the sandwich detection rule.
const RuleIDSandwich = "sandwich-risk"

// PairingPolicy selects which front-run wins when several candidate pairs
// bracket the same victim.
type PairingPolicy string

const (
	// PairEarliest picks the earliest qualifying front-run.
	PairEarliest PairingPolicy = "earliest"
	// PairTightest picks the latest qualifying front-run before the victim.
	PairTightest PairingPolicy = "tightest"
)

// SandwichConfig controls sandwich detection.
type SandwichConfig struct {
	Window  time.Duration
	Pairing PairingPolicy
}

// SandwichRule flags front-run/victim/back-run triples on a pool window.
// The incoming transaction is treated as the back-run candidate: a sandwich
// is complete only once its final leg arrives.
type SandwichRule struct {
	cfg SandwichConfig
}

// NewSandwichRule creates the rule with defaults applied.
func NewSandwichRule(cfg SandwichConfig) *SandwichRule {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Pairing == "" {
		cfg.Pairing = PairEarliest
	}
	return &SandwichRule{cfg: cfg}
}

// ID returns the rule id.
func (r *SandwichRule) ID() string { return RuleIDSandwich }

// Evaluate checks whether tx completes a sandwich on its target pool.
// For a pair (front, back) by the same attacker around a victim the gas
// prices must satisfy front >= victim >= back, and the attacker must not be
// the victim's sender.
func (r *SandwichRule) Evaluate(tx *models.Transaction, store Store) ([]*models.Alert, error) {
	if tx.To == "" {
		return nil, nil
	}

	refs, err := store.RecentOrdered(keys.Pool(tx.To), r.cfg.Window)
	if err != nil {
		return nil, err
	}
	if len(refs) < 3 {
		return nil, nil
	}

	// Entries at or past the incoming tx's own window slot cannot precede it.
	limit := len(refs)
	for i, ref := range refs {
		if ref.Hash == tx.Hash {
			limit = i
			break
		}
	}

	front, victim, ok := r.pair(refs[:limit], tx)
	if !ok {
		return nil, nil
	}

	alert := &models.Alert{
		RuleID:   RuleIDSandwich,
		Severity: models.SeverityHigh,
		TxHash:   victim.Hash,
		Evidence: []string{front.Hash, victim.Hash, tx.Hash},
		Reason: fmt.Sprintf("sandwich on %s: front %s (gas %d) and back %s (gas %d) by %s bracket victim %s (gas %d)",
			tx.To, front.Hash, front.GasPrice, tx.Hash, tx.GasPrice, tx.From, victim.Hash, victim.GasPrice),
	}
	return []*models.Alert{alert}, nil
}

// pair scans the window entries preceding the incoming back-run candidate
// and returns the winning (front, victim) pair under the configured policy.
func (r *SandwichRule) pair(refs []models.TxRef, back *models.Transaction) (front, victim models.TxRef, ok bool) {
	attacker := back.From

	switch r.cfg.Pairing {
	case PairTightest:
		// Earliest victim, latest qualifying front before it.
		for j, v := range refs {
			if v.Counterpart == attacker {
				continue
			}
			if v.GasPrice < back.GasPrice {
				continue
			}
			for i := j - 1; i >= 0; i-- {
				f := refs[i]
				if f.Counterpart == attacker && f.GasPrice >= v.GasPrice {
					return f, v, true
				}
			}
		}
	default:
		// Earliest qualifying front wins; for it, the earliest victim after it.
		for i, f := range refs {
			if f.Counterpart != attacker {
				continue
			}
			for j := i + 1; j < len(refs); j++ {
				v := refs[j]
				if v.Counterpart == attacker {
					continue
				}
				if f.GasPrice >= v.GasPrice && v.GasPrice >= back.GasPrice {
					return f, v, true
				}
			}
		}
	}
	return models.TxRef{}, models.TxRef{}, false
}
