package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Severity classifies how dangerous a detection is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityWeight returns a numeric weight for ordering and scoring.
func SeverityWeight(s Severity) int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityCritical:
		return 7
	case SeverityHigh:
		return 5
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 1
	default:
		return 1
	}
}

// Alert is the output of a rule match. Created once, handed to the sink,
// never mutated.
type Alert struct {
	AlertID    string    `json:"alert_id"`
	RuleID     string    `json:"rule_id"`
	Severity   Severity  `json:"severity"`
	TxHash     string    `json:"tx_hash"`
	Evidence   []string  `json:"evidence,omitempty"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// DedupKey is the suppression key for an alert: a stable digest of
// (rule id, primary transaction hash).
func (a *Alert) DedupKey() string {
	sum := sha256.Sum256([]byte(a.RuleID + ":" + a.TxHash))
	return hex.EncodeToString(sum[:])[:16]
}
