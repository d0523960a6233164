package cda

import (
	"fmt"
	"strings"
)

// ParseError reports a document that cannot be extracted: malformed markup,
// or (in strict mode) a section row that does not fit its column layout.
// Optional demographics that are simply missing never produce one.
type ParseError struct {
	Path    string
	Section string
	Row     int
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.Section != "" {
		fmt.Fprintf(&b, " section %q", e.Section)
	}
	if e.Row > 0 {
		fmt.Fprintf(&b, " row %d", e.Row)
	}
	b.WriteString(": " + e.Reason)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }
