package signal

import "strings"

// Section identifies which part of the call transcript a quote came from.
const (
	SectionPrepared = "prepared"
	SectionQA       = "qa"
)

// Evidence is a single supporting quote extracted by the scoring model.
// Instances are immutable once produced by the parser.
type Evidence struct {
	Quote          string `json:"quote"`
	SpeakerRole    string `json:"speaker_role"`
	Section        string `json:"section"`
	ParagraphIndex int    `json:"paragraph_index,omitempty"`
}

// GroupKey returns the diversity bucket for this quote. Two quotes with the
// same speaker role and section count as a single independent source.
func (e Evidence) GroupKey() string {
	return strings.ToLower(strings.TrimSpace(e.SpeakerRole)) + "|" + strings.ToLower(strings.TrimSpace(e.Section))
}

// ScoreOutput is the typed result of one model evaluation of one event.
// It is constructed exactly once by the recovery parser and never mutated.
type ScoreOutput struct {
	Score          float64         `json:"score"`
	TradeCandidate bool            `json:"trade_candidate"`
	Evidence       []Evidence      `json:"evidence_snippets"`
	Flags          map[string]bool `json:"key_flags"`
	NoTradeReason  string          `json:"no_trade_reason,omitempty"`
}

// NoTradeDefault is the fixed conservative output used whenever the raw
// model text cannot be recovered into a valid ScoreOutput. score=0 and
// trade_candidate=false guarantee the downstream gate declines.
func NoTradeDefault(reason string) ScoreOutput {
	return ScoreOutput{
		Score:          0,
		TradeCandidate: false,
		Evidence:       []Evidence{},
		Flags:          map[string]bool{},
		NoTradeReason:  reason,
	}
}
