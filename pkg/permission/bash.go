package permission

import "strings"

// token is one shell word. Raw preserves the original spelling including
// quotes; Value is the unquoted text used for prefix matching.
type token struct {
	Raw   string
	Value string
}

// segment is one pipeline element of a bash command, with redirect
// operators and their targets already removed.
type segment struct {
	Text   string
	Tokens []token
}

func (s segment) isCd() bool {
	return len(s.Tokens) > 0 && s.Tokens[0].Value == "cd"
}

// rawAfterFirst reconstructs the segment text after the command word, used
// for cd target inspection where quoting must stay visible.
func (s segment) rawAfterFirst() string {
	if len(s.Tokens) < 2 {
		return ""
	}
	raws := make([]string, 0, len(s.Tokens)-1)
	for _, t := range s.Tokens[1:] {
		raws = append(raws, t.Raw)
	}
	return strings.Join(raws, " ")
}

// normalizeCommand collapses whitespace runs to single spaces and trims.
func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// splitSegments breaks a normalized command at unquoted `|`, `||`, `&&`,
// `;` and `|&` operators. A single `&` is not a separator. Quoting and
// backslash escapes hide operators from the split.
func splitSegments(command string) []segment {
	var segments []segment
	var cur strings.Builder
	flush := func() {
		if seg, ok := newSegment(cur.String()); ok {
			segments = append(segments, seg)
		}
		cur.Reset()
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case inSingle:
			cur.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(command) {
				i++
				cur.WriteByte(command[i])
			} else if c == '"' {
				inDouble = false
			}
		case c == '\\':
			cur.WriteByte(c)
			if i+1 < len(command) {
				i++
				cur.WriteByte(command[i])
			}
		case c == '\'':
			inSingle = true
			cur.WriteByte(c)
		case c == '"':
			inDouble = true
			cur.WriteByte(c)
		case c == ';':
			flush()
		case c == '|':
			if i+1 < len(command) && (command[i+1] == '|' || command[i+1] == '&') {
				i++
			}
			flush()
		case c == '&':
			if i+1 < len(command) && command[i+1] == '&' {
				i++
				flush()
			} else {
				cur.WriteByte(c)
			}
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segments
}

// redirect operators ordered longest-first so "2>>" wins over "2>" and ">".
var redirectOps = []string{"2>>", ">>", "2>", ">", "<"}

// newSegment tokenizes one raw segment and strips redirects. Returns false
// for segments that are empty after stripping.
func newSegment(raw string) (segment, bool) {
	tokens := tokenize(raw)
	kept := make([]token, 0, len(tokens))
	skipNext := false
	for _, t := range tokens {
		if skipNext {
			skipNext = false
			continue
		}
		if op, rest := matchRedirect(t.Raw); op != "" {
			// A bare operator consumes the following token as its target.
			if rest == "" {
				skipNext = true
			}
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return segment{}, false
	}
	raws := make([]string, len(kept))
	for i, t := range kept {
		raws[i] = t.Raw
	}
	return segment{Text: strings.Join(raws, " "), Tokens: kept}, true
}

// matchRedirect reports the redirect operator prefixing a raw token, if any,
// and whatever target text is attached to the same token.
func matchRedirect(raw string) (op, rest string) {
	for _, r := range redirectOps {
		if strings.HasPrefix(raw, r) {
			return r, raw[len(r):]
		}
	}
	return "", ""
}

// tokenize splits a segment into whitespace-separated words, honoring single
// quotes (literal), double quotes (backslash escapes) and bare backslash
// escapes. Unterminated quotes consume the remainder of the input.
func tokenize(s string) []token {
	var tokens []token
	var raw, val strings.Builder
	started := false
	flush := func() {
		if started {
			tokens = append(tokens, token{Raw: raw.String(), Value: val.String()})
			raw.Reset()
			val.Reset()
			started = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', '\t':
			flush()
		case '\'':
			started = true
			raw.WriteByte(c)
			for i++; i < len(s) && s[i] != '\''; i++ {
				raw.WriteByte(s[i])
				val.WriteByte(s[i])
			}
			if i < len(s) {
				raw.WriteByte(s[i])
			}
		case '"':
			started = true
			raw.WriteByte(c)
			for i++; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					raw.WriteByte(s[i])
					i++
					switch s[i] {
					case '"', '\\', '$', '`':
						val.WriteByte(s[i])
					default:
						val.WriteByte('\\')
						val.WriteByte(s[i])
					}
					raw.WriteByte(s[i])
					continue
				}
				raw.WriteByte(s[i])
				val.WriteByte(s[i])
			}
			if i < len(s) {
				raw.WriteByte(s[i])
			}
		case '\\':
			started = true
			raw.WriteByte(c)
			if i+1 < len(s) {
				i++
				raw.WriteByte(s[i])
				val.WriteByte(s[i])
			}
		default:
			started = true
			raw.WriteByte(c)
			val.WriteByte(c)
		}
	}
	flush()
	return tokens
}
