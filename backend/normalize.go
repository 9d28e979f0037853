package backend

import "strings"

// normalizer rewrites CRLF and lone CR to LF across chunk boundaries. A
// trailing CR is held until the next chunk shows whether an LF follows.
type normalizer struct {
	pendingCR bool
}

func (n *normalizer) fold(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text) + 1)
	i := 0
	if n.pendingCR {
		n.pendingCR = false
		b.WriteByte('\n')
		if text[0] == '\n' {
			i = 1
		}
	}
	for ; i < len(text); i++ {
		c := text[i]
		if c != '\r' {
			b.WriteByte(c)
			continue
		}
		if i == len(text)-1 {
			n.pendingCR = true
			break
		}
		b.WriteByte('\n')
		if text[i+1] == '\n' {
			i++
		}
	}
	return b.String()
}

func (n *normalizer) flush() string {
	if !n.pendingCR {
		return ""
	}
	n.pendingCR = false
	return "\n"
}
