package cda

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, time.October, 7, 12, 0, 0, 0, time.UTC)

func testExtractor(strict bool) *Extractor {
	return NewExtractor(Options{StrictColumns: strict, Now: func() time.Time { return fixedNow }})
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

func TestExtractFileDemographics(t *testing.T) {
	rec, err := testExtractor(false).ExtractFile(filepath.Join("testdata", "patient.xml"))
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	checks := map[string]*string{
		"a1b2c3":             rec.PatientID,
		"Maria":              rec.GivenName,
		"F":                  rec.Gender,
		"19790310083000":     rec.BirthTime,
		"White":              rec.Race,
		"Hispanic or Latino": rec.EthnicGroup,
		"en-US":              rec.Language,
	}
	for want, got := range checks {
		if deref(got) != want {
			t.Fatalf("got %q, want %q", deref(got), want)
		}
	}
	if rec.Age == nil || *rec.Age != 45 {
		t.Fatalf("expected age 45, got %v", rec.Age)
	}
}

func TestExtractSectionsByVocabulary(t *testing.T) {
	rec, err := testExtractor(false).ExtractFile(filepath.Join("testdata", "patient.xml"))
	if err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if _, ok := rec.Sections["Encounters"]; ok {
		t.Fatal("unrecognised section should not be extracted")
	}
	if len(rec.Sections) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(rec.Sections))
	}

	meds := rec.Section(SectionMedications)
	if len(meds) != 2 {
		t.Fatalf("expected 2 medications, got %d", len(meds))
	}
	if deref(meds[0].Duration) != "10 days" {
		t.Fatalf("duration got %q", deref(meds[0].Duration))
	}
	if deref(meds[0].Last) != "636 days ago" {
		t.Fatalf("last usage got %q", deref(meds[0].Last))
	}
	if meds[1].Stop != nil || meds[1].Duration != nil {
		t.Fatalf("empty stop cell should be absent, got stop=%q duration=%q", deref(meds[1].Stop), deref(meds[1].Duration))
	}
	if deref(meds[1].Last) != "Currently used" {
		t.Fatalf("open medication got %q", deref(meds[1].Last))
	}

	vitals := rec.Section(SectionVitalSigns)
	if len(vitals) != 1 || deref(vitals[0].Value) != "27.3 kg/m2" {
		t.Fatalf("unexpected vitals %+v", vitals)
	}
	if vitals[0].Duration != nil || vitals[0].Last != nil {
		t.Fatal("vital signs carry a value, not derived fields")
	}

	problems := rec.Section(SectionProblems)
	if len(problems) != 1 {
		t.Fatalf("title substring match failed, got %d problems", len(problems))
	}
	if deref(problems[0].Duration) != "Invalid date format" || deref(problems[0].Last) != "Invalid date" {
		t.Fatalf("expected sentinels, got duration=%q last=%q", deref(problems[0].Duration), deref(problems[0].Last))
	}
}

const medicationSection = `<root xmlns:hl7="urn:hl7-org:v3">
  <hl7:component>
    <hl7:section>
      <hl7:title>Medications</hl7:title>
      <hl7:tbody>
        <hl7:tr>
          <hl7:td>2023-01-01T00:00:00Z</hl7:td>
          <hl7:td>2023-01-10T00:00:00Z</hl7:td>
          <hl7:td>Aspirin</hl7:td>
        </hl7:tr>
        <hl7:tr>
          <hl7:td>2023-02-01T00:00:00Z</hl7:td>
          <hl7:td>2023-02-05T00:00:00Z</hl7:td>
          <hl7:td>Ibuprofen</hl7:td>
        </hl7:tr>
      </hl7:tbody>
    </hl7:section>
  </hl7:component>
</root>`

func TestExtractSectionMedications(t *testing.T) {
	doc, err := Parse(strings.NewReader(medicationSection))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	section := doc.Root.FindDescendant("section")
	if section == nil {
		t.Fatal("expected section element")
	}
	rec := PatientRecord{}
	if err := testExtractor(false).ExtractSection(SectionMedications, section, &rec); err != nil {
		t.Fatalf("ExtractSection: %v", err)
	}
	got := rec.Sections[SectionMedications]
	want := []struct{ desc, duration, last string }{
		{"Aspirin", "10 days", "636 days ago"},
		{"Ibuprofen", "5 days", "610 days ago"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, w := range want {
		if deref(got[i].Description) != w.desc || deref(got[i].Duration) != w.duration || deref(got[i].Last) != w.last {
			t.Fatalf("entry %d: got (%q, %q, %q), want %+v", i, deref(got[i].Description), deref(got[i].Duration), deref(got[i].Last), w)
		}
		if got[i].Kind != KindMedication {
			t.Fatalf("entry %d: expected medication kind", i)
		}
	}
}

const shortVitalRow = `<ClinicalDocument xmlns="urn:hl7-org:v3">
  <component><structuredBody><component><section>
    <title>Vital Signs</title>
    <text><table><tbody>
      <tr><td>2023-05-04T09:00:00Z</td><td>2023-05-04T09:00:00Z</td><td>Heart rate</td></tr>
    </tbody></table></text>
  </section></component></structuredBody></component>
</ClinicalDocument>`

func TestStrictColumnsRejectsShortRow(t *testing.T) {
	doc, err := Parse(strings.NewReader(shortVitalRow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := testExtractor(false).Extract(doc); err != nil {
		t.Fatalf("lenient extraction should succeed: %v", err)
	}
	_, err = testExtractor(true).Extract(doc)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Section != SectionVitalSigns || pe.Row != 1 {
		t.Fatalf("unexpected parse error location: %+v", pe)
	}
}

func TestMissingDemographicsAreOmitted(t *testing.T) {
	doc, err := Parse(strings.NewReader(`<ClinicalDocument xmlns="urn:hl7-org:v3"><recordTarget><patientRole><patient/></patientRole></recordTarget></ClinicalDocument>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rec, err := testExtractor(false).Extract(doc)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if rec.PatientID != nil || rec.GivenName != nil || rec.Gender != nil || rec.Age != nil || rec.Language != nil {
		t.Fatalf("expected every demographic omitted, got %+v", rec)
	}
	blob, err := rec.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(blob) != "{}" {
		t.Fatalf("expected empty object, got %s", blob)
	}
}

func TestMalformedDocument(t *testing.T) {
	_, err := Parse(strings.NewReader("<ClinicalDocument><unclosed>"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestMalformedBirthTime(t *testing.T) {
	doc, err := Parse(strings.NewReader(`<ClinicalDocument xmlns="urn:hl7-org:v3"><recordTarget><patientRole><patient><birthTime value="unknown"/></patient></patientRole></recordTarget></ClinicalDocument>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = testExtractor(false).Extract(doc)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
