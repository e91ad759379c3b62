package rules

import (
	"fmt"
	"math/big"
	"strings"

	"mempoolwatch/pkg/models"
)

// RuleIDApproval identifies the dangerous approval rule.
const RuleIDApproval = "dangerous-approval"

// approveSelector is the 4-byte selector of ERC-20 approve(address,uint256).
const approveSelector = "095ea7b3"

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// defaultLargeAllowance is roughly 1000 tokens at 18 decimals.
var defaultLargeAllowance = new(big.Int).Mul(big.NewInt(1000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// ApprovalConfig controls approval detection.
type ApprovalConfig struct {
	// AllowList holds spender addresses that never trigger.
	AllowList []string
	// LargeAllowance is the threshold above which an allowance is flagged.
	LargeAllowance *big.Int
	// RiskyTokens holds token contract addresses that always trigger.
	RiskyTokens []string
}

// ApprovalRule flags approvals granting unlimited or outsized allowances to
// spenders outside the allow-list. Balance context is best-effort: severity
// scales with the allowance itself, with risky tokens escalating one step.
type ApprovalRule struct {
	allow map[string]struct{}
	risky map[string]struct{}
	large *big.Int
}

// NewApprovalRule creates the rule with defaults applied.
func NewApprovalRule(cfg ApprovalConfig) *ApprovalRule {
	large := cfg.LargeAllowance
	if large == nil || large.Sign() <= 0 {
		large = defaultLargeAllowance
	}
	return &ApprovalRule{
		allow: lowerSet(cfg.AllowList),
		risky: lowerSet(cfg.RiskyTokens),
		large: large,
	}
}

// ID returns the rule id.
func (r *ApprovalRule) ID() string { return RuleIDApproval }

// Evaluate decodes the call data and flags dangerous allowances.
func (r *ApprovalRule) Evaluate(tx *models.Transaction, _ Store) ([]*models.Alert, error) {
	if tx.Selector() != approveSelector {
		return nil, nil
	}

	spender, ok := tx.CallArgAddress(0)
	if !ok {
		return nil, nil
	}
	allowance, ok := tx.CallArgUint(1)
	if !ok {
		return nil, nil
	}
	if _, listed := r.allow[spender]; listed {
		return nil, nil
	}

	_, riskyToken := r.risky[strings.ToLower(tx.To)]

	var severity models.Severity
	var what string
	switch {
	case allowance.Cmp(maxUint256) == 0:
		severity, what = models.SeverityHigh, "unlimited allowance"
	case allowance.Cmp(r.large) >= 0:
		severity, what = models.SeverityMedium, fmt.Sprintf("large allowance %s", allowance)
	case riskyToken:
		severity, what = models.SeverityLow, fmt.Sprintf("allowance %s", allowance)
	default:
		return nil, nil
	}
	if riskyToken {
		severity = escalate(severity)
	}

	reason := fmt.Sprintf("approval by %s grants %s to spender %s on token %s", tx.From, what, spender, tx.To)
	if riskyToken {
		reason += " (risky token)"
	}

	alert := &models.Alert{
		RuleID:   RuleIDApproval,
		Severity: severity,
		TxHash:   tx.Hash,
		Evidence: []string{tx.Hash},
		Reason:   reason,
	}
	return []*models.Alert{alert}, nil
}

func escalate(s models.Severity) models.Severity {
	switch s {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	case models.SeverityHigh:
		return models.SeverityCritical
	default:
		return s
	}
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
