package protocol

import "strings"

// Tokenize splits a command on runs of whitespace.
func Tokenize(cmd string) []string {
	return strings.Fields(cmd)
}

// Unquote strips one matching pair of surrounding quotes (" or ') and
// trims the whitespace left inside.
func Unquote(arg string) string {
	s := strings.TrimSpace(arg)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}

// JoinFrom re-joins tokens[i:] with single spaces. Paths may contain
// whitespace, which Tokenize would otherwise fragment.
func JoinFrom(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	return strings.Join(tokens[i:], " ")
}

// PathArg is Unquote(JoinFrom(tokens, i)).
func PathArg(tokens []string, i int) string {
	return Unquote(JoinFrom(tokens, i))
}
