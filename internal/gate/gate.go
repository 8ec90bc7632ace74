// Package gate holds the deterministic trade decision function. The model
// supplies facts (score, evidence, flags); the gate applies frozen rules.
// Same inputs always produce the same Decision, which is the contract the
// consistency checker certifies.
package gate

import "papertrade/internal/signal"

// Reason explains why a trade was declined. Empty on an accepted trade.
type Reason string

const (
	ReasonRedFlag              Reason = "red_flag"
	ReasonInsufficientEvidence Reason = "insufficient_evidence"
	ReasonBelowThreshold       Reason = "below_threshold"
	ReasonParseFailure         Reason = "parse_failure"
	ReasonInconsistentRuns     Reason = "inconsistent_evaluations"
)

// Thresholds are the frozen gate parameters. They come from the active
// FreezeManifest, never from ambient configuration.
type Thresholds struct {
	ScoreThreshold   float64
	EvidenceMinCount int
	BlockOnFlags     []string
}

// Decision is the immutable outcome of one ScoreOutput + Thresholds pair.
type Decision struct {
	FinalTrade           bool   `json:"final_trade"`
	Reason               Reason `json:"reason,omitempty"`
	EvidenceDiversity    int    `json:"evidence_diversity"`
	ContributingEvidence []int  `json:"contributing_evidence_ids,omitempty"`
}

// Evaluate applies the gate rules in fixed order:
//  1. any blocking flag set -> red_flag
//  2. evidence diversity below minimum -> insufficient_evidence
//  3. score >= threshold -> trade (boundary inclusive), else below_threshold
//
// Pure function, no side effects.
func Evaluate(out signal.ScoreOutput, th Thresholds) Decision {
	diversity, contributing := evidenceDiversity(out.Evidence)

	for _, flag := range th.BlockOnFlags {
		if out.Flags[flag] {
			return Decision{FinalTrade: false, Reason: ReasonRedFlag, EvidenceDiversity: diversity}
		}
	}

	if diversity < th.EvidenceMinCount {
		return Decision{FinalTrade: false, Reason: ReasonInsufficientEvidence, EvidenceDiversity: diversity}
	}

	if out.Score >= th.ScoreThreshold {
		return Decision{FinalTrade: true, EvidenceDiversity: diversity, ContributingEvidence: contributing}
	}
	return Decision{FinalTrade: false, Reason: ReasonBelowThreshold, EvidenceDiversity: diversity}
}

// evidenceDiversity counts distinct (speaker_role, section) groups and
// collects the index of the first quote in each group.
func evidenceDiversity(evidence []signal.Evidence) (int, []int) {
	seen := make(map[string]bool, len(evidence))
	var contributing []int
	for i, ev := range evidence {
		key := ev.GroupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		contributing = append(contributing, i)
	}
	return len(seen), contributing
}

// ResolveIndependent implements the production abstain rule: when more than
// one independent evaluation of the same item is available and they
// disagree, the system prefers NO_TRADE over a majority vote. The
// conservative bias is explicit and auditable, not a silent tie-break.
func ResolveIndependent(decisions []Decision) Decision {
	if len(decisions) == 0 {
		return Decision{FinalTrade: false, Reason: ReasonInsufficientEvidence}
	}
	first := decisions[0]
	for _, d := range decisions[1:] {
		if d.FinalTrade != first.FinalTrade {
			return Decision{FinalTrade: false, Reason: ReasonInconsistentRuns}
		}
	}
	return first
}
