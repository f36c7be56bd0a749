// Package glob matches channel names against Redis-style subscription patterns.
//
// Supported syntax:
//
//	*      any run of characters, including none
//	?      exactly one character
//	[abc]  one character from the set; [^abc] negates, [a-z] is a range
//	\x     the literal character x
package glob

// Match reports whether name matches pattern
func Match(pattern, name string) bool {
	return match([]byte(pattern), []byte(name))
}

// HasMeta reports whether pattern contains any glob metacharacter
func HasMeta(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}

func match(p, s []byte) bool {
	// Position to resume from on the most recent '*'
	starP, starS := -1, -1
	pi, si := 0, 0

	for si < len(s) {
		if pi < len(p) {
			switch p[pi] {
			case '*':
				for pi < len(p) && p[pi] == '*' {
					pi++
				}
				if pi == len(p) {
					return true
				}
				starP, starS = pi, si
				continue

			case '?':
				pi++
				si++
				continue

			case '[':
				if ok, next := matchClass(p, pi, s[si]); next > 0 {
					if ok {
						pi = next
						si++
						continue
					}
					break
				}
				// Unterminated class matches '[' literally
				if s[si] == '[' {
					pi++
					si++
					continue
				}

			case '\\':
				if pi+1 < len(p) {
					if p[pi+1] == s[si] {
						pi += 2
						si++
						continue
					}
					break
				}
				if s[si] == '\\' {
					pi++
					si++
					continue
				}

			default:
				if p[pi] == s[si] {
					pi++
					si++
					continue
				}
			}
		}

		if starP < 0 {
			return false
		}
		starS++
		pi, si = starP, starS
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// matchClass evaluates the class opening at p[start]. next is the index after
// the closing ']' or 0 when the class is unterminated.
func matchClass(p []byte, start int, c byte) (ok bool, next int) {
	i := start + 1
	negate := false
	if i < len(p) && p[i] == '^' {
		negate = true
		i++
	}

	first := true
	for i < len(p) {
		if p[i] == ']' && !first {
			return ok != negate, i + 1
		}
		first = false

		lo := p[i]
		if lo == '\\' && i+1 < len(p) {
			i++
			lo = p[i]
		}
		i++

		if i+1 < len(p) && p[i] == '-' && p[i+1] != ']' {
			hi := p[i+1]
			if hi == '\\' && i+2 < len(p) {
				i++
				hi = p[i+1]
			}
			i += 2
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				ok = true
			}
			continue
		}

		if c == lo {
			ok = true
		}
	}
	return false, 0
}
