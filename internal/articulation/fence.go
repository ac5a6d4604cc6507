package articulation

import "strings"

const fenceMarker = "```"

// fencedBlock is one ``` ... ``` region of producer text.
type fencedBlock struct {
	info   string // single-token info string on the opening line, e.g. "c" or "json"
	body   string // interior without the info line
	inline bool   // opened and closed on one line: ```c int x;```
	closed bool
}

// taggedBody returns the interior when the block is tagged with hint.
func (b fencedBlock) taggedBody(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	if b.inline {
		fields := strings.Fields(b.body)
		if len(fields) > 1 && strings.EqualFold(fields[0], hint) {
			rest := strings.TrimSpace(b.body)
			return rest[len(fields[0]):], true
		}
		return "", false
	}
	if strings.EqualFold(b.info, hint) {
		return b.body, true
	}
	return "", false
}

// scanFences collects fenced blocks in order of appearance. A block whose
// opening line carries no closing marker is closed by the bare ``` line
// that balances it, so fences nested inside a body stay part of it. A
// marker with no partner yields a final block with closed=false.
func scanFences(s string) []fencedBlock {
	var blocks []fencedBlock
	pos := 0
	for pos < len(s) {
		open := strings.Index(s[pos:], fenceMarker)
		if open < 0 {
			break
		}
		start := pos + open + len(fenceMarker)
		end, ok := closingFence(s, start)
		if !ok {
			blocks = append(blocks, splitFence(s[start:]))
			break
		}
		b := splitFence(s[start:end])
		b.closed = true
		blocks = append(blocks, b)
		pos = end + len(fenceMarker)
	}
	return blocks
}

// closingFence returns the offset of the marker closing the fence opened
// just before start.
func closingFence(s string, start int) (int, bool) {
	rest := s[start:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		nl = len(rest)
	}
	if i := strings.Index(rest[:nl], fenceMarker); i >= 0 {
		return start + i, true
	}
	if nl < len(rest) {
		if end, ok := balancedClose(s, start+nl+1); ok {
			return end, true
		}
	}
	// Unbalanced nesting: fall back to the next marker.
	if i := strings.Index(rest, fenceMarker); i >= 0 {
		return start + i, true
	}
	return 0, false
}

// balancedClose walks the lines from off. An opener line (``` plus an info
// string) nests one level deeper; a bare ``` line closes one level. At the
// outermost level a line ending in ``` also closes.
func balancedClose(s string, off int) (int, bool) {
	depth := 1
	for off < len(s) {
		line := s[off:]
		nl := strings.IndexByte(line, '\n')
		if nl >= 0 {
			line = line[:nl]
		}
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == fenceMarker:
			depth--
			if depth == 0 {
				return off + strings.Index(line, fenceMarker), true
			}
		case strings.HasPrefix(trimmed, fenceMarker):
			if !strings.Contains(trimmed[len(fenceMarker):], fenceMarker) {
				depth++
			}
		case depth == 1 && strings.HasSuffix(trimmed, fenceMarker):
			return off + strings.LastIndex(line, fenceMarker), true
		}
		if nl < 0 {
			break
		}
		off += nl + 1
	}
	return 0, false
}

// splitFence separates the info string from the interior. The first line is
// only treated as an info string when it is a single token; otherwise it is
// code that happens to share the opening line.
func splitFence(inner string) fencedBlock {
	nl := strings.IndexByte(inner, '\n')
	if nl < 0 {
		return fencedBlock{body: inner, inline: true}
	}
	first := strings.TrimSpace(inner[:nl])
	if first == "" || len(strings.Fields(first)) == 1 {
		return fencedBlock{info: first, body: inner[nl+1:]}
	}
	return fencedBlock{body: inner}
}

// hasFence reports whether s contains any fence marker.
func hasFence(s string) bool {
	return strings.Contains(s, fenceMarker)
}

// stripOuterFence removes a single fence wrapping the whole of s (```json or
// any other tag), returning s unchanged when it is not fully wrapped.
func stripOuterFence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2*len(fenceMarker) || !strings.HasPrefix(s, fenceMarker) || !strings.HasSuffix(s, fenceMarker) {
		return s
	}
	inner := s[len(fenceMarker) : len(s)-len(fenceMarker)]
	b := splitFence(inner)
	if b.inline {
		return strings.TrimSpace(dropInlineTag(b.body))
	}
	return strings.TrimSpace(b.body)
}

// dropInlineTag removes a language tag in front of an inline payload:
// "json {...}" and "json{...}" both become "{...}".
func dropInlineTag(body string) string {
	trimmed := strings.TrimLeft(body, " \t")
	i := strings.IndexAny(trimmed, "{[")
	if i <= 0 {
		return body
	}
	if tag := strings.TrimSpace(trimmed[:i]); tag != "" && !strings.ContainsAny(tag, " \t") {
		return trimmed[i:]
	}
	return body
}
