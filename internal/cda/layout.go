package cda

import "strings"

// Section names recognised in a document's structured body. A section is
// matched when its title contains one of these names.
const (
	SectionAllergies         = "Allergies and Adverse Reactions"
	SectionMedications       = "Medications"
	SectionDiagnosticResults = "Diagnostic Results"
	SectionProblems          = "Problems"
	SectionSurgeries         = "Surgeries"
	SectionVitalSigns        = "Vital Signs"
	SectionImmunizations     = "Immunizations"
)

var Sections = []string{
	SectionAllergies,
	SectionMedications,
	SectionDiagnosticResults,
	SectionProblems,
	SectionSurgeries,
	SectionVitalSigns,
	SectionImmunizations,
}

type EntryKind int

const (
	KindGeneric EntryKind = iota
	KindMedication
	KindVitalSign
)

// Layout pins the 1-based table column each entry field is read from.
// A zero column means the field is not read for that section.
type Layout struct {
	Kind        EntryKind
	Start       int
	Stop        int
	Description int
	Value       int
	MinColumns  int
}

var genericLayout = Layout{Kind: KindGeneric, Start: 1, Stop: 2, Description: 3, MinColumns: 3}

// Layouts is the column contract for every recognised section. Documents
// whose tables reorder columns extract misaligned values unless strict
// column checking is on.
var Layouts = map[string]Layout{
	SectionAllergies:         genericLayout,
	SectionMedications:       {Kind: KindMedication, Start: 1, Stop: 2, Description: 3, MinColumns: 3},
	SectionDiagnosticResults: genericLayout,
	SectionProblems:          genericLayout,
	SectionSurgeries:         genericLayout,
	SectionVitalSigns:        {Kind: KindVitalSign, Start: 1, Stop: 2, Description: 3, Value: 5, MinColumns: 5},
	SectionImmunizations:     genericLayout,
}

func LayoutFor(section string) Layout {
	if l, ok := Layouts[section]; ok {
		return l
	}
	return genericLayout
}

// MatchSections returns every recognised section name contained in title.
func MatchSections(title string) []string {
	var out []string
	for _, name := range Sections {
		if strings.Contains(title, name) {
			out = append(out, name)
		}
	}
	return out
}
