// Package scan classifies candidate packages before installation: a
// digest-based remote reputation lookup with a local heuristic fallback
// when the remote path is unavailable.
package scan

import (
	"errors"
	"fmt"

	"debguard/internal/task"
)

// VerdictKind is the classification outcome for one candidate package.
type VerdictKind int

const (
	// Clean means no red flags were found.
	Clean VerdictKind = iota
	// Suspicious means the file is unknown to the reputation service or
	// carries non-conclusive red flags; proceeding needs an explicit
	// caller override.
	Suspicious
	// Danger means at least one reputation engine flagged the file as
	// malicious.
	Danger
	// Error means the scan itself could not complete (e.g. the archive
	// could not be extracted).
	Error
	// Unavailable means the scan never ran because the target file could
	// not be read.
	Unavailable
)

func (k VerdictKind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Suspicious:
		return "suspicious"
	case Danger:
		return "danger"
	case Error:
		return "error"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Method identifies which scan stage produced a verdict.
type Method string

const (
	MethodReputation Method = "remote-reputation"
	MethodHeuristic  Method = "local-heuristic"
)

// Verdict is the immutable result of one classification. It is computed
// at most once per target file per operation attempt.
type Verdict struct {
	Kind     VerdictKind
	Method   Method
	Findings []string
	Detail   string

	// Malicious and Total are populated for reputation-based verdicts.
	Malicious int
	Total     int
}

// Pipeline composes the hasher, reputation client, and heuristic scanner
// into one classification decision per candidate package.
type Pipeline struct {
	reputation ReputationInterface
	heuristic  HeuristicInterface
}

// NewPipeline creates a scan pipeline.
func NewPipeline(reputation ReputationInterface, heuristic HeuristicInterface) *Pipeline {
	return &Pipeline{reputation: reputation, heuristic: heuristic}
}

// Classify produces exactly one verdict for the file at path. The only
// error it returns is task.ErrCancelled, when the owning task was stopped
// mid-scan; every other condition is expressed in the verdict itself.
func (p *Pipeline) Classify(ctl *task.Ctl, path string) (Verdict, error) {
	if ctl != nil {
		ctl.EmitLine(fmt.Sprintf("Calculating digest for %s...", path))
	}
	digest, err := FileDigest(ctl, path)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return Verdict{}, err
		}
		return Verdict{
			Kind:   Unavailable,
			Detail: fmt.Sprintf("could not read file: %v", err),
		}, nil
	}

	if ctl != nil {
		ctl.EmitLine("Querying reputation service...")
	}
	report, err := p.reputation.Lookup(digest)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			return Verdict{Kind: Error, Method: MethodReputation, Detail: err.Error()}, nil
		}
		if ctl != nil {
			ctl.EmitLine("Reputation service unavailable. Falling back to heuristic scan...")
		}
		return p.classifyHeuristic(ctl, path)
	}

	if !report.Found {
		return Verdict{
			Kind:     Suspicious,
			Method:   MethodReputation,
			Findings: []string{"File is unknown to the reputation service."},
			Detail:   "not found in reputation database",
		}, nil
	}

	total := report.Total()
	switch {
	case report.Malicious > 0:
		return Verdict{
			Kind:      Danger,
			Method:    MethodReputation,
			Findings:  []string{fmt.Sprintf("%d of %d engines detected threats.", report.Malicious, total)},
			Detail:    fmt.Sprintf("%d/%d engines detected threats", report.Malicious, total),
			Malicious: report.Malicious,
			Total:     total,
		}, nil
	case report.Suspicious > 0:
		return Verdict{
			Kind:     Suspicious,
			Method:   MethodReputation,
			Findings: []string{fmt.Sprintf("%d of %d engines flagged the file as suspicious.", report.Suspicious, total)},
			Detail:   fmt.Sprintf("%d/%d engines flagged as suspicious", report.Suspicious, total),
			Total:    total,
		}, nil
	default:
		return Verdict{
			Kind:   Clean,
			Method: MethodReputation,
			Detail: fmt.Sprintf("%d/%d engines found no threats", report.Harmless+report.Undetected, total),
			Total:  total,
		}, nil
	}
}

// classifyHeuristic is the Stage-B fallback used when the remote path is
// unavailable for transport reasons.
func (p *Pipeline) classifyHeuristic(ctl *task.Ctl, path string) (Verdict, error) {
	findings, err := p.heuristic.Scan(ctl, path)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return Verdict{}, err
		}
		return Verdict{Kind: Error, Method: MethodHeuristic, Detail: err.Error()}, nil
	}

	if len(findings) == 0 {
		return Verdict{
			Kind:   Clean,
			Method: MethodHeuristic,
			Detail: "no obvious suspicious indicators found",
		}, nil
	}
	return Verdict{
		Kind:     Suspicious,
		Method:   MethodHeuristic,
		Findings: findings,
		Detail:   fmt.Sprintf("%d potential issues found", len(findings)),
	}, nil
}
