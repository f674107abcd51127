package assessment

import "strings"

// stripMarkdownFences drops ```json fences the model sometimes wraps
// the record in.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json\n")
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "\n```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// stripBlockComments removes /* ... */ spans outside string literals.
func stripBlockComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '*' {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				// Unterminated comment swallows the rest.
				break
			}
			i += 2 + end + 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripLineComments removes // comments outside string literals, up
// to end of line.
func stripLineComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == '/' && i+1 < len(s) && s[i+1] == '/' {
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				break
			}
			i += nl - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// dedupeKnownKeys removes the second and later spans of any known
// field name, value included, keeping the first occurrence. Models
// occasionally emit a section twice; without this the later span
// silently wins at decode time.
func dedupeKnownKeys(s string) string {
	for _, key := range knownKeys {
		s = dedupeKey(s, key)
	}
	return s
}

func dedupeKey(s, key string) string {
	needle := `"` + key + `"`
	first := findKeyIndex(s, needle, 0)
	if first < 0 {
		return s
	}
	for {
		next := findKeyIndex(s, needle, first+len(needle))
		if next < 0 {
			return s
		}
		start := trimLeadingComma(s, next)
		// Consume the trailing comma only when no leading one was
		// taken, so exactly one separator goes with the span.
		end := keySpanEnd(s, next+len(needle), start == next)
		if end <= start {
			return s
		}
		s = s[:start] + s[end:]
	}
}

// findKeyIndex returns the index of the next occurrence of needle at
// or after from that sits in key position at the top level of the
// record object, i.e. at brace depth one and followed by a colon. The
// same name nested inside a sub-object or array is a different key
// and must survive dedupe.
func findKeyIndex(s, needle string, from int) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			if depth == 1 && i >= from && strings.HasPrefix(s[i:], needle) {
				rest := i + len(needle)
				for rest < len(s) && isSpace(s[rest]) {
					rest++
				}
				if rest < len(s) && s[rest] == ':' {
					return i
				}
			}
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// keySpanEnd returns the index just past the value that follows the
// key ending at afterKey, including a trailing comma when asked.
func keySpanEnd(s string, afterKey int, takeComma bool) int {
	i := afterKey
	for i < len(s) && s[i] != ':' {
		i++
	}
	if i == len(s) {
		return i
	}
	i++ // past ':'
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	if i == len(s) {
		return i
	}

	end := valueEnd(s, i)
	if !takeComma {
		return end
	}
	for end < len(s) && (s[end] == ' ' || s[end] == '\t' || s[end] == '\n' || s[end] == '\r') {
		end++
	}
	if end < len(s) && s[end] == ',' {
		end++
	}
	return end
}

// valueEnd scans one JSON value starting at i and returns the index
// just past it. Strings are quote-aware; objects and arrays are
// matched by nesting depth; scalars run to the next comma or closer.
func valueEnd(s string, i int) int {
	switch s[i] {
	case '"':
		j := i + 1
		escaped := false
		for j < len(s) {
			switch {
			case escaped:
				escaped = false
			case s[j] == '\\':
				escaped = true
			case s[j] == '"':
				return j + 1
			}
			j++
		}
		return j
	case '{', '[':
		open := s[i]
		var closer byte = '}'
		if open == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(s); j++ {
			c := s[j]
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
			case closer:
				depth--
				if depth == 0 {
					return j + 1
				}
			}
		}
		return len(s)
	default:
		for j := i; j < len(s); j++ {
			switch s[j] {
			case ',', '}', ']':
				return j
			}
		}
		return len(s)
	}
}

// trimLeadingComma widens a removal span leftward over a separating
// comma so the remaining text stays valid JSON.
func trimLeadingComma(s string, start int) int {
	i := start - 1
	for i >= 0 && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i--
	}
	if i >= 0 && s[i] == ',' {
		return i
	}
	return start
}

// trimToBraces cuts the text to the substring bounded by the first
// '{' and the last '}', discarding stray prose around the record.
func trimToBraces(s string) string {
	open := strings.IndexByte(s, '{')
	closing := strings.LastIndexByte(s, '}')
	if open < 0 || closing < 0 || closing < open {
		return s
	}
	return s[open : closing+1]
}
