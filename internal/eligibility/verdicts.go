package eligibility

import (
	"encoding/json"
	"strings"
)

const (
	Yes = "Yes"
	No  = "No"

	InclusionMarker = "Inclusion Criteria:"
	ExclusionMarker = "Exclusion Criteria:"
)

// VerdictMap maps criterion keywords to verdicts and remembers the order in
// which keywords were first set. Setting an existing keyword replaces its
// verdict in place.
type VerdictMap struct {
	keys   []string
	values map[string]string
}

func NewVerdictMap() *VerdictMap {
	return &VerdictMap{values: map[string]string{}}
}

func (m *VerdictMap) Set(keyword, verdict string) {
	if m.values == nil {
		m.values = map[string]string{}
	}
	if _, ok := m.values[keyword]; !ok {
		m.keys = append(m.keys, keyword)
	}
	m.values[keyword] = verdict
}

func (m *VerdictMap) Get(keyword string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[keyword]
	return v, ok
}

func (m *VerdictMap) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

func (m *VerdictMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Merge sets every entry of other on m, in other's order.
func (m *VerdictMap) Merge(other *VerdictMap) {
	for _, k := range other.Keys() {
		v, _ := other.Get(k)
		m.Set(k, v)
	}
}

func (m *VerdictMap) Equal(other *VerdictMap) bool {
	if m.Len() != other.Len() {
		return false
	}
	for _, k := range m.Keys() {
		a, _ := m.Get(k)
		b, ok := other.Get(k)
		if !ok || a != b {
			return false
		}
	}
	return true
}

type verdictJSON struct {
	Keyword string `json:"keyword"`
	Verdict string `json:"verdict"`
}

// MarshalJSON encodes the map as an ordered list of keyword/verdict pairs.
func (m *VerdictMap) MarshalJSON() ([]byte, error) {
	out := make([]verdictJSON, 0, m.Len())
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		out = append(out, verdictJSON{Keyword: k, Verdict: v})
	}
	return json.Marshal(out)
}

func (m *VerdictMap) UnmarshalJSON(b []byte) error {
	var in []verdictJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*m = VerdictMap{values: map[string]string{}}
	for _, p := range in {
		m.Set(p.Keyword, p.Verdict)
	}
	return nil
}

// ParseVerdicts reads a two-block classification response. The text before
// the first "Exclusion Criteria:" is the inclusion block and the rest is the
// exclusion block; within each, only lines starting with "-" are read, as
// "- <keyword>: <verdict>". Exclusion verdicts overwrite inclusion verdicts
// for the same keyword.
//
// A missing exclusion marker or a dash line without ": " yields a
// *FormatError listing every problem; the verdicts that did parse are
// returned alongside it.
func ParseVerdicts(raw string) (*VerdictMap, error) {
	out := NewVerdictMap()
	inclusion, exclusion, found := strings.Cut(raw, ExclusionMarker)
	if !found {
		return out, &FormatError{Issues: []LineIssue{{Reason: "missing " + ExclusionMarker + " marker"}}}
	}
	var issues []LineIssue
	issues = parseBlock("inclusion", inclusion, out, issues)
	issues = parseBlock("exclusion", exclusion, out, issues)
	if len(issues) > 0 {
		return out, &FormatError{Issues: issues}
	}
	return out, nil
}

func parseBlock(name, block string, out *VerdictMap, issues []LineIssue) []LineIssue {
	for i, line := range strings.Split(block, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "-") {
			continue
		}
		// Only the bullet dash goes; a keyword may itself start with one.
		body := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		keyword, verdict, ok := strings.Cut(body, ": ")
		if !ok {
			issues = append(issues, LineIssue{Block: name, Line: i + 1, Text: trimmed, Reason: `missing ": " separator`})
			continue
		}
		out.Set(strings.TrimSpace(keyword), strings.TrimSpace(verdict))
	}
	return issues
}

// FormatVerdicts renders inclusion and exclusion verdicts in the two-block
// format ParseVerdicts reads.
func FormatVerdicts(inclusion, exclusion *VerdictMap) string {
	var sb strings.Builder
	writeBlock := func(marker string, m *VerdictMap) {
		sb.WriteString(marker)
		sb.WriteByte('\n')
		for _, k := range m.Keys() {
			v, _ := m.Get(k)
			sb.WriteString("- " + k + ": " + v + "\n")
		}
	}
	writeBlock(InclusionMarker, inclusion)
	sb.WriteByte('\n')
	writeBlock(ExclusionMarker, exclusion)
	return sb.String()
}

type structuredVerdicts struct {
	Inclusion []verdictJSON `json:"inclusion"`
	Exclusion []verdictJSON `json:"exclusion"`
}

// ParseStructuredVerdicts reads the JSON response requested when the
// service is asked for machine-checkable output:
//
//	{"inclusion": [{"keyword": "Age", "verdict": "Yes"}], "exclusion": []}
func ParseStructuredVerdicts(raw string) (*VerdictMap, error) {
	var parsed structuredVerdicts
	dec := json.NewDecoder(strings.NewReader(stripCodeFences(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&parsed); err != nil {
		return nil, &FormatError{Issues: []LineIssue{{Reason: "invalid JSON verdicts: " + err.Error()}}}
	}
	out := NewVerdictMap()
	var issues []LineIssue
	for _, block := range []struct {
		name  string
		items []verdictJSON
	}{{"inclusion", parsed.Inclusion}, {"exclusion", parsed.Exclusion}} {
		for i, item := range block.items {
			keyword := strings.TrimSpace(item.Keyword)
			verdict := strings.TrimSpace(item.Verdict)
			if keyword == "" || verdict == "" {
				issues = append(issues, LineIssue{Block: block.name, Line: i + 1, Text: keyword, Reason: "keyword and verdict are required"})
				continue
			}
			out.Set(keyword, verdict)
		}
	}
	if len(issues) > 0 {
		return out, &FormatError{Issues: issues}
	}
	return out, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}
