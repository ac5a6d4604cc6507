package articulation

// scanJSONObjects returns every top-level {...} region of s, in order.
// Braces inside JSON strings are skipped, so prose around an object and
// string values containing braces do not confuse it.
//
// Byte iteration is safe here: the delimiters are ASCII and UTF-8 never
// encodes ASCII bytes inside a multi-byte sequence.
func scanJSONObjects(s string) []string {
	var (
		objects  []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			if depth > 0 {
				inString = true
			}
		case c == '{':
			if depth == 0 {
				start = i
			}
			depth++
		case c == '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, s[start:i+1])
				start = -1
			}
		}
	}
	return objects
}
