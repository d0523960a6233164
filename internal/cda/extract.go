package cda

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joelkehle/trialmatch/internal/temporal"
)

type Options struct {
	// StrictColumns rejects section rows with fewer cells than the
	// section's layout reads, instead of leaving those fields absent.
	StrictColumns bool
	Now           func() time.Time
	Logger        logrus.FieldLogger
}

type Extractor struct {
	strict bool
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewExtractor(opts Options) *Extractor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Extractor{strict: opts.StrictColumns, now: opts.Now, log: opts.Logger}
}

func (x *Extractor) ExtractFile(path string) (PatientRecord, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return PatientRecord{}, err
	}
	rec, err := x.Extract(doc)
	if pe, ok := err.(*ParseError); ok && pe.Path == "" {
		pe.Path = path
	}
	return rec, err
}

func (x *Extractor) Extract(doc *Document) (PatientRecord, error) {
	rec, err := x.ExtractDemographics(doc)
	if err != nil {
		return rec, err
	}
	if err := x.ExtractSections(doc, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// ExtractDemographics reads the patient header under
// recordTarget/patientRole. Missing nodes leave the field nil.
func (x *Extractor) ExtractDemographics(doc *Document) (PatientRecord, error) {
	rec := PatientRecord{Sections: map[string][]Entry{}}
	role := doc.Root.Find("recordTarget", "patientRole")
	if role == nil {
		return rec, nil
	}
	rec.PatientID = role.Child("id").AttrPtr("extension")
	rec.GivenName = role.FindDescendant("name", "given").Text()

	patient := role.Child("patient")
	rec.Gender = patient.Child("administrativeGenderCode").AttrPtr("code")
	if birth := patient.Child("birthTime"); birth != nil {
		rec.BirthTime = birth.AttrPtr("value")
		if rec.BirthTime != nil {
			born, err := temporal.ParseBirthTime(*rec.BirthTime)
			if err != nil {
				return rec, &ParseError{Reason: "unreadable birthTime", Err: err}
			}
			age := temporal.Age(born, x.now())
			rec.Age = &age
		}
	}
	rec.Race = patient.Child("raceCode").AttrPtr("displayName")
	rec.EthnicGroup = patient.Child("ethnicGroupCode").AttrPtr("displayName")
	rec.Language = patient.Find("languageCommunication", "languageCode").AttrPtr("code")
	return rec, nil
}

// ExtractSections walks structuredBody/component/section and extracts every
// section whose title names one of the recognised sections.
func (x *Extractor) ExtractSections(doc *Document, rec *PatientRecord) error {
	if rec.Sections == nil {
		rec.Sections = map[string][]Entry{}
	}
	body := doc.Root.FindDescendant("structuredBody")
	if body == nil {
		return nil
	}
	for _, component := range body.ChildrenNamed("component") {
		section := component.Child("section")
		title := section.Child("title").Text()
		if title == nil {
			continue
		}
		for _, name := range MatchSections(*title) {
			if err := x.ExtractSection(name, section, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExtractSection appends one entry per tbody row of section to
// rec.Sections[name], reading cells by the section's Layout.
func (x *Extractor) ExtractSection(name string, section *Element, rec *PatientRecord) error {
	if rec.Sections == nil {
		rec.Sections = map[string][]Entry{}
	}
	layout := LayoutFor(name)
	entries := rec.Sections[name]
	if entries == nil {
		entries = []Entry{}
	}
	now := x.now()
	rows := section.FindAllDescendants("tbody", "tr")
	x.log.WithFields(logrus.Fields{"section": name, "rows": len(rows)}).Debug("extracting section")
	for i, row := range rows {
		cells := row.ChildrenNamed("td")
		if len(cells) < layout.MinColumns {
			if x.strict {
				return &ParseError{Section: name, Row: i + 1, Reason: "row has fewer columns than the section layout"}
			}
			x.log.WithFields(logrus.Fields{"section": name, "row": i + 1, "columns": len(cells)}).Warn("short section row")
		}
		entries = append(entries, buildEntry(layout, cells, now))
	}
	rec.Sections[name] = entries
	return nil
}

func buildEntry(layout Layout, cells []*Element, now time.Time) Entry {
	e := Entry{
		Kind:        layout.Kind,
		Start:       cell(cells, layout.Start),
		Stop:        cell(cells, layout.Stop),
		Description: cell(cells, layout.Description),
	}
	switch layout.Kind {
	case KindVitalSign:
		e.Value = cell(cells, layout.Value)
	default:
		e.Duration = temporal.Duration(e.Start, e.Stop).Ptr()
		e.Last = temporal.LastUsage(e.Stop, now).Ptr()
	}
	return e
}

func cell(cells []*Element, column int) *string {
	if column <= 0 || column > len(cells) {
		return nil
	}
	return cells[column-1].Text()
}
