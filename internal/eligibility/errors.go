package eligibility

import (
	"fmt"
	"strings"
)

// LineIssue is one malformed piece of a classification response. Line is
// 1-based within its block and zero when the issue is not tied to a line.
type LineIssue struct {
	Block  string
	Line   int
	Text   string
	Reason string
}

func (i LineIssue) String() string {
	if i.Line == 0 {
		return i.Reason
	}
	return fmt.Sprintf("%s line %d %q: %s", i.Block, i.Line, i.Text, i.Reason)
}

// FormatError reports a response that does not follow the two-block verdict
// format. It lists every malformed line, not just the first.
type FormatError struct {
	Issues []LineIssue
}

func (e *FormatError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "malformed classification response: " + strings.Join(parts, "; ")
}

// IOError is a failed read or write of a result file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
