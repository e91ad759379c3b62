package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"mempoolwatch/pkg/models"
)

// RuleIDSigmaPrefix prefixes alert rule ids produced by Sigma matches.
const RuleIDSigmaPrefix = "sigma:"

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedInvalid int
}

type compiledSigmaRule struct {
	id       string
	title    string
	severity models.Severity
	eval     *sigmaevaluator.RuleEvaluator
}

// SigmaRule evaluates operator-supplied Sigma YAML rules against a
// flattened transaction field map. It lets detection content ship without
// code changes, alongside the built-in rules.
type SigmaRule struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaRule loads Sigma rules from a file or directory and compiles
// evaluators. Rules using aggregations, timeframes or keyword searches are
// skipped and counted in stats.
func NewSigmaRule(path string) (*SigmaRule, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		id := strings.TrimSpace(rule.ID)
		if id == "" {
			id = strings.TrimSpace(rule.Title)
		}
		level := strings.ToLower(strings.TrimSpace(rule.Level))
		if level == "" {
			level = "medium"
		}

		compiled = append(compiled, compiledSigmaRule{
			id:       id,
			title:    strings.TrimSpace(rule.Title),
			severity: models.Severity(level),
			eval:     sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaRule{rules: compiled, ctx: context.Background()}, stats, nil
}

// ID returns the rule id.
func (r *SigmaRule) ID() string { return "sigma" }

// Evaluate matches every loaded Sigma rule against the transaction fields.
func (r *SigmaRule) Evaluate(tx *models.Transaction, _ Store) ([]*models.Alert, error) {
	if len(r.rules) == 0 {
		return nil, nil
	}

	fields := sigmaEventFrom(tx)
	var out []*models.Alert
	for _, rule := range r.rules {
		res, err := rule.eval.Matches(r.ctx, fields)
		if err != nil {
			continue
		}
		if !res.Match {
			continue
		}
		out = append(out, &models.Alert{
			RuleID:   RuleIDSigmaPrefix + rule.id,
			Severity: rule.severity,
			TxHash:   tx.Hash,
			Evidence: []string{tx.Hash},
			Reason:   fmt.Sprintf("sigma rule %q matched tx %s", rule.title, tx.Hash),
		})
	}
	return out, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}
	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func sigmaEventFrom(tx *models.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"hash":      tx.Hash,
		"from":      tx.From,
		"to":        tx.To,
		"value":     tx.Value,
		"gas_price": tx.GasPrice,
		"input":     tx.Input,
		"selector":  tx.Selector(),
		"sequence":  tx.Sequence,
	}
}
