// Package validation implements the Validation Aggregator (spec.md §4.4):
// a pure component that merges ensemble validator responses into one
// deterministic report. Grounded on graph/checkpoint.go's "sort before
// fold" discipline (mergeDeltas sorts WorkItems by OrderKey before
// reducing): merged issues here are sorted the same way before scoring,
// so identical inputs always produce byte-identical output.
package validation

import (
	"sort"
)

// Severity is one of the four levels spec.md §4.4 names. Larger values
// are more severe, enabling max-severity voting with a plain comparison.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "Critical"
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	default:
		return "Info"
	}
}

// Issue is one finding from a single validator.
type Issue struct {
	Severity     Severity
	RuleID       string
	Location     string
	Message      string
	FixHint      string
	ValidatorID  string
}

// ValidatorResponse is one validator's raw issue list.
type ValidatorResponse struct {
	ValidatorID string
	Issues      []Issue
}

// MergedIssue is one deduplicated issue in the aggregated report.
type MergedIssue struct {
	Severity     Severity
	RuleID       string
	Location     string
	Message      string
	FixHint      string
	Validators   []string // union of originating validators
	Disagreement bool     // true when validators assigned different severities
}

// Status is the composite outcome of a validation report.
type Status string

const (
	StatusPass    Status = "Pass"
	StatusWarning Status = "Warning"
	StatusFail    Status = "Fail"
)

// Weights configures the scoring formula (spec.md §4.4's Score step).
type Weights struct {
	Critical float64
	Error    float64
	Warning  float64
	Info     float64
}

// DefaultWeights matches spec.md §4.4's documented defaults.
var DefaultWeights = Weights{Critical: 25, Error: 10, Warning: 2, Info: 0}

// Report is the aggregated, deterministic output of Aggregate.
type Report struct {
	Issues         []MergedIssue
	CountsBySeverity map[Severity]int
	Score          float64
	Status         Status
}

type dedupKey struct {
	ruleID   string
	location string
}

// Aggregate merges responses deterministically: dedup by (rule id,
// normalized location) with max-severity voting across contradictory
// severity assignments, compute the weighted quality score, and derive
// Pass/Warning/Fail.
func Aggregate(responses []ValidatorResponse, weights Weights) Report {
	merged := map[dedupKey]*MergedIssue{}
	order := []dedupKey{}

	for _, resp := range responses {
		for _, issue := range resp.Issues {
			loc := normalizeLocation(issue.Location)
			key := dedupKey{ruleID: issue.RuleID, location: loc}

			existing, ok := merged[key]
			if !ok {
				merged[key] = &MergedIssue{
					Severity:   issue.Severity,
					RuleID:     issue.RuleID,
					Location:   loc,
					Message:    issue.Message,
					FixHint:    issue.FixHint,
					Validators: []string{issue.ValidatorID},
				}
				order = append(order, key)
				continue
			}

			if issue.Severity != existing.Severity {
				existing.Disagreement = true
			}
			if issue.Severity > existing.Severity {
				existing.Severity = issue.Severity
				existing.Message = issue.Message
				existing.FixHint = issue.FixHint
			}
			existing.Validators = appendUnique(existing.Validators, issue.ValidatorID)
		}
	}

	issues := make([]MergedIssue, 0, len(order))
	for _, key := range order {
		issues = append(issues, *merged[key])
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return issues[i].Severity > issues[j].Severity // descending
		}
		if issues[i].RuleID != issues[j].RuleID {
			return issues[i].RuleID < issues[j].RuleID
		}
		return issues[i].Location < issues[j].Location
	})

	counts := map[Severity]int{}
	for _, issue := range issues {
		counts[issue.Severity]++
	}

	score := 100.0
	score -= weights.Critical * float64(counts[SeverityCritical])
	score -= weights.Error * float64(counts[SeverityError])
	score -= weights.Warning * float64(counts[SeverityWarning])
	score -= weights.Info * float64(counts[SeverityInfo])
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	status := StatusPass
	switch {
	case counts[SeverityCritical] > 0 || counts[SeverityError] > 0:
		status = StatusFail
	case counts[SeverityWarning] > 0:
		status = StatusWarning
	}

	return Report{Issues: issues, CountsBySeverity: counts, Score: score, Status: status}
}

func normalizeLocation(loc string) string { return loc }

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
