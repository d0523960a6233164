// Package trials loads trial criteria documents and harvests them from the
// trial registry.
package trials

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joelkehle/trialmatch/internal/eligibility"
)

const (
	CriteriaSuffix = "_criteria.txt"
	titlePrefix    = "Study Title:"
)

// Criteria is one trial's raw criteria text.
type Criteria struct {
	TrialID    string
	StudyTitle *string
	Text       string
	Path       string
}

// ExtractStudyTitle returns the title named on the first line of text, or
// nil when that line does not start with "Study Title:".
func ExtractStudyTitle(text string) *string {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, titlePrefix) {
		return nil
	}
	title := strings.TrimSpace(strings.TrimPrefix(first, titlePrefix))
	return &title
}

// TrialIDFromFilename returns the part of the base name before the first
// underscore.
func TrialIDFromFilename(path string) string {
	id, _, _ := strings.Cut(filepath.Base(path), "_")
	return id
}

func LoadCriteria(path string) (Criteria, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Criteria{}, &eligibility.IOError{Op: "read", Path: path, Err: err}
	}
	text := string(blob)
	return Criteria{
		TrialID:    TrialIDFromFilename(path),
		StudyTitle: ExtractStudyTitle(text),
		Text:       text,
		Path:       path,
	}, nil
}

// LoadDir loads every *_criteria.txt file in dir, ordered by file name.
func LoadDir(dir string) ([]Criteria, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &eligibility.IOError{Op: "list", Path: dir, Err: err}
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), CriteriaSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]Criteria, 0, len(names))
	for _, name := range names {
		c, err := LoadCriteria(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
