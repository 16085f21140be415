// Package extract pulls JSON out of LLM responses. Models wrap output
// in markdown fences, prepend prose, or emit several adjacent objects;
// the scanners here are balanced and string-aware so braces inside
// string values do not break extraction.
package extract

import "strings"

// StripFences removes markdown code fences (``` or ```json) around a
// response, returning the inner text. Text without fences is returned
// trimmed.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	// Drop the opening fence line.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// scanBalanced returns the end index (exclusive) of the balanced
// bracket run starting at start, or -1. s[start] must be open.
func scanBalanced(s string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// FirstObject returns the first balanced JSON object in s, fence
// stripped, and whether one was found.
func FirstObject(s string) (string, bool) {
	body := StripFences(s)
	start := strings.IndexByte(body, '{')
	if start < 0 {
		return "", false
	}
	end := scanBalanced(body, start, '{', '}')
	if end < 0 {
		return "", false
	}
	return body[start:end], true
}

// FirstArray returns the first balanced JSON array in s, fence
// stripped, and whether one was found.
func FirstArray(s string) (string, bool) {
	body := StripFences(s)
	start := strings.IndexByte(body, '[')
	if start < 0 {
		return "", false
	}
	end := scanBalanced(body, start, '[', ']')
	if end < 0 {
		return "", false
	}
	return body[start:end], true
}

// Objects greedily scans s for top-level balanced JSON objects and
// returns each as raw text. Objects nested inside an outer array or
// object are not returned separately.
func Objects(s string) []string {
	body := StripFences(s)
	var objects []string
	i := 0
	for i < len(body) {
		start := strings.IndexByte(body[i:], '{')
		if start < 0 {
			break
		}
		start += i
		end := scanBalanced(body, start, '{', '}')
		if end < 0 {
			break
		}
		objects = append(objects, body[start:end])
		i = end
	}
	return objects
}

// Shape describes how a multi-object response was laid out.
type Shape int

const (
	ShapeNone Shape = iota
	// ShapeArray is the contractual form: one JSON array.
	ShapeArray
	// ShapeSingleObject is a bare object where an array was expected.
	ShapeSingleObject
	// ShapeAdjacentObjects is a run of objects not wrapped in an array.
	ShapeAdjacentObjects
)

// ObjectList extracts a list of raw JSON objects from a response that
// should contain an array but may not. The returned shape tells the
// caller whether the contract was honored.
func ObjectList(s string) ([]string, Shape) {
	body := StripFences(s)

	// Array first: the leading non-array prose case is handled by
	// looking for whichever container opens first.
	objStart := strings.IndexByte(body, '{')
	arrStart := strings.IndexByte(body, '[')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if end := scanBalanced(body, arrStart, '[', ']'); end >= 0 {
			inner := Objects(body[arrStart+1 : end-1])
			return inner, ShapeArray
		}
	}

	objects := Objects(body)
	switch len(objects) {
	case 0:
		return nil, ShapeNone
	case 1:
		return objects, ShapeSingleObject
	default:
		return objects, ShapeAdjacentObjects
	}
}
