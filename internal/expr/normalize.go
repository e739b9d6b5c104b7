package expr

import (
	"regexp"
	"strings"
)

var (
	reAnd   = regexp.MustCompile(`(?i)\bAND\b`)
	reOr    = regexp.MustCompile(`(?i)\bOR\b`)
	reNot   = regexp.MustCompile(`(?i)\bNOT\b`)
	reTrue  = regexp.MustCompile(`(?i)\bTRUE\b`)
	reFalse = regexp.MustCompile(`(?i)\bFALSE\b`)
)

// normalize rewrites SQL-like tokens to the grammar's native spelling before
// lexing: AND/OR/NOT (word-boundary, case-insensitive) to their lowercase
// keyword forms, <> to !=, and TRUE/FALSE to the boolean literal spelling
// the lexer recognizes.
func normalize(s string) string {
	s = reAnd.ReplaceAllString(s, "and")
	s = reOr.ReplaceAllString(s, "or")
	s = reNot.ReplaceAllString(s, "not")
	s = reTrue.ReplaceAllString(s, "true")
	s = reFalse.ReplaceAllString(s, "false")
	return strings.ReplaceAll(s, "<>", "!=")
}
