package signal

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// scoreOutputSchema is the wire contract for the scoring model. Anything
// that decodes but fails this schema is treated the same as a parse failure
// by callers: the pipeline must never build domain objects from a payload
// with out-of-range or missing required fields.
const scoreOutputSchema = `{
  "type": "object",
  "required": ["score", "trade_candidate"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 1},
    "trade_candidate": {"type": "boolean"},
    "evidence_snippets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["quote", "speaker_role", "section"],
        "properties": {
          "quote": {"type": "string"},
          "speaker_role": {"type": "string"},
          "section": {"enum": ["prepared", "qa"]},
          "paragraph_index": {"type": "integer", "minimum": 0}
        }
      }
    },
    "key_flags": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "no_trade_reason": {"type": ["string", "null"]}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("score_output.json", strings.NewReader(scoreOutputSchema)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("score_output.json")
}

// ValidateRaw checks a decoded-but-untyped payload against the score output
// schema. raw must be valid JSON.
func ValidateRaw(raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}
