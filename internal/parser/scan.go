package parser

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// leadStart walks back from offset over whitespace.
func leadStart(src []byte, offset int) int {
	for offset > 0 && isSpace(src[offset-1]) {
		offset--
	}
	return offset
}

// trimRight returns end moved back over trailing whitespace, never past min.
func trimRight(src []byte, min, end int) int {
	if end > len(src) {
		end = len(src)
	}
	for end > min && isSpace(src[end-1]) {
		end--
	}
	return end
}

// matchGoBrace returns the offset just past the brace matching src[open],
// skipping Go string, rune, raw string and comment literals. It returns -1
// when the brace is unbalanced.
func matchGoBrace(src []byte, open int) int {
	if open >= len(src) || src[open] != '{' {
		return -1
	}
	depth := 0
	for i := open; i < len(src); i++ {
		switch c := src[i]; c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		case '"', '\'':
			for i++; i < len(src) && src[i] != c; i++ {
				if src[i] == '\\' {
					i++
				}
				if i < len(src) && src[i] == '\n' {
					return -1
				}
			}
		case '`':
			for i++; i < len(src) && src[i] != '`'; i++ {
			}
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
			} else if i+1 < len(src) && src[i+1] == '*' {
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i++
			}
		}
	}
	return -1
}
