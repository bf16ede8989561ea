package util

import (
	"regexp"
	"strings"
)

// Precompiled patterns, compiled once at package init.
var (
	jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	thinkTagRegex      = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
)

// StripThinkTags removes reasoning-model think blocks so only the final
// answer is parsed. Local models in particular prefix their JSON with
// <think>...</think> chatter.
func StripThinkTags(response string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(response, ""))
}

// ExtractJSON pulls the JSON payload out of an agent response that may be
// wrapped in markdown code fences or surrounded by prose. Agents are asked
// for a bare array, so arrays are preferred over objects. Truncated arrays
// are closed so a best-effort unmarshal can still recover leading elements.
func ExtractJSON(s string) string {
	s = StripThinkTags(s)

	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	if arrayStart != -1 {
		arrayEnd := findMatchingBracket(s, arrayStart, '[', ']')
		if arrayEnd != -1 {
			return s[arrayStart : arrayEnd+1]
		}
		// Truncated array. If there is any string content, close it.
		lastQuote := strings.LastIndex(s, "\"")
		if lastQuote > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			// Drop a trailing half-open object before closing the array.
			if lastBrace := strings.LastIndex(trimmed, "}"); lastBrace != -1 {
				trimmed = strings.TrimRight(trimmed[:lastBrace+1], " \n\t,")
			}
			return trimmed + "]"
		}
	}

	objectStart := strings.Index(s, "{")
	if objectStart != -1 {
		objectEnd := findMatchingBracket(s, objectStart, '{', '}')
		if objectEnd != -1 {
			return s[objectStart : objectEnd+1]
		}
	}

	return s
}

// findMatchingBracket finds the matching close bracket for the bracket at
// startPos, skipping bracket characters inside strings and escape sequences.
// Returns -1 when the payload is truncated.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// SanitizeJSON fixes the common failure mode of justification text containing
// literal newlines inside string values.
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}
