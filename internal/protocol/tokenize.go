package protocol

import "strings"

// MaxLineLength bounds a single incoming line; longer lines are a fatal
// line-too-long error.
const MaxLineLength = 8192

// Tokenize splits a command line into space-separated tokens. Empty
// tokens (from leading, trailing, or repeated spaces) are a syntax error.
func Tokenize(line string) ([]string, *Error) {
	if line == "" {
		return nil, NewError(KindSyntax, "empty command")
	}
	parts := strings.Split(line, " ")
	for _, p := range parts {
		if p == "" {
			return nil, NewError(KindSyntax, "empty token in command line")
		}
	}
	return parts, nil
}
