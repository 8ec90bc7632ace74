// Package llmjson recovers typed score outputs from noisy model text.
//
// The parser applies an ordered ladder of recovery strategies and returns
// the first one that yields a schema-valid object. It never returns an
// error: total failure degrades to the fixed conservative default so the
// pipeline can keep moving without inventing values.
package llmjson

import (
	"encoding/json"
	"regexp"
	"strings"

	"papertrade/internal/signal"

	"github.com/tidwall/gjson"
)

// Strategy names recorded on the parse result for audit trails.
const (
	StrategyDirect        = "direct"
	StrategyFenceStrip    = "fence_strip"
	StrategyTrailingComma = "trailing_comma_fix"
	StrategyBalanceRepair = "balance_repair"
	StrategyNone          = "none"
)

// ReasonParseFailure is stamped into the safe default when nothing works.
const ReasonParseFailure = "parse_failure"

// Result describes how (or whether) the raw text was recovered.
type Result struct {
	Success  bool
	Strategy string
	Detail   string
}

// Parse turns arbitrary model text into a ScoreOutput. The returned Result
// reports which recovery strategy succeeded; on Success=false the output is
// exactly signal.NoTradeDefault(ReasonParseFailure).
func Parse(raw string) (signal.ScoreOutput, Result) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return signal.NoTradeDefault(ReasonParseFailure), Result{Success: false, Strategy: StrategyNone, Detail: "empty input"}
	}

	if out, ok := tryDecode(trimmed); ok {
		return out, Result{Success: true, Strategy: StrategyDirect}
	}

	candidate := trimmed
	if stripped, ok := stripFence(trimmed); ok {
		candidate = stripped
		if out, ok := tryDecode(candidate); ok {
			return out, Result{Success: true, Strategy: StrategyFenceStrip}
		}
	}
	if extracted, _, ok := extractObject(candidate); ok {
		candidate = extracted
		if out, ok := tryDecode(candidate); ok {
			return out, Result{Success: true, Strategy: StrategyFenceStrip}
		}
	}

	fixed := stripTrailingSeparators(candidate)
	if out, ok := tryDecode(fixed); ok {
		return out, Result{Success: true, Strategy: StrategyTrailingComma}
	}

	if repaired, ok := repairBalance(fixed); ok {
		if out, ok := tryDecode(repaired); ok {
			return out, Result{Success: true, Strategy: StrategyBalanceRepair}
		}
	}

	detail := trimmed
	if len(detail) > 160 {
		detail = detail[:160] + "..."
	}
	return signal.NoTradeDefault(ReasonParseFailure), Result{Success: false, Strategy: StrategyNone, Detail: detail}
}

// tryDecode decodes and schema-validates one candidate payload. A payload
// that decodes but violates the schema is rejected; the caller moves on to
// the next strategy (or the safe default) rather than trusting it.
func tryDecode(candidate string) (signal.ScoreOutput, bool) {
	if !gjson.Valid(candidate) {
		return signal.ScoreOutput{}, false
	}
	if err := signal.ValidateRaw(candidate); err != nil {
		return signal.ScoreOutput{}, false
	}
	var out signal.ScoreOutput
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return signal.ScoreOutput{}, false
	}
	if out.Flags == nil {
		out.Flags = map[string]bool{}
	}
	if out.Evidence == nil {
		out.Evidence = []signal.Evidence{}
	}
	return out, true
}

const codeFence = "```"

// stripFence removes a markdown code fence wrapper, language-tagged or not.
func stripFence(raw string) (string, bool) {
	start := strings.Index(raw, codeFence)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(codeFence):]
	end := strings.Index(rest, codeFence)
	block := rest
	if end != -1 {
		block = rest[:end]
	}
	block = strings.TrimLeft(block, "\r\n")
	if idx := strings.Index(block, "\n"); idx != -1 {
		first := strings.TrimSpace(block[:idx])
		if first != "" && !strings.ContainsAny(first, "[{") {
			block = block[idx+1:]
		}
	}
	block = strings.TrimSpace(block)
	if block == "" {
		return "", false
	}
	return block, true
}

// extractObject finds the first brace-balanced JSON object in free text,
// honoring string literals and escapes.
func extractObject(raw string) (string, int, bool) {
	start := strings.Index(raw, "{")
	if start == -1 {
		return "", -1, false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(raw[start : i+1]), start, true
			}
		}
	}
	// Unterminated object: return the tail so balance repair can close it.
	return strings.TrimSpace(raw[start:]), start, true
}

var (
	trailingCommaBrace   = regexp.MustCompile(`,\s*}`)
	trailingCommaBracket = regexp.MustCompile(`,\s*]`)
)

func stripTrailingSeparators(raw string) string {
	raw = trailingCommaBrace.ReplaceAllString(raw, "}")
	raw = trailingCommaBracket.ReplaceAllString(raw, "]")
	return raw
}
