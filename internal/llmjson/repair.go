package llmjson

import "strings"

// repairBalance appends missing closers to a truncated payload. It counts
// unmatched delimiters outside string literals, closes a dangling string,
// drops a dangling comma and completes a dangling key with null. Known
// limitation: truncation inside a text value cannot be repaired beyond
// closing the quote mid-word.
func repairBalance(raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", false
	}

	var stack []byte
	inString := false
	escape := false
	for i := 0; i < len(raw); i++ {
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
		case '{', '[':
			stack = append(stack, ch)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return "", false // balanced already, not a truncation problem
	}

	repaired := raw
	if inString {
		repaired += `"`
	}
	tail := strings.TrimRight(repaired, " \t\r\n")
	if strings.HasSuffix(tail, ":") {
		repaired = tail + "null"
	} else if strings.HasSuffix(tail, ",") {
		repaired = tail[:len(tail)-1]
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			repaired += "}"
		} else {
			repaired += "]"
		}
	}
	return repaired, true
}
