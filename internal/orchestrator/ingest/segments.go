package ingest

// splitSegments returns every top-level JSON object found in line. Several
// objects may be concatenated on one physical line, and text outside of
// objects is ignored. An unterminated trailing object is dropped.
func splitSegments(line string) []string {
	var (
		segments []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				segments = append(segments, line[start:i+1])
				start = -1
			}
		}
	}
	return segments
}
