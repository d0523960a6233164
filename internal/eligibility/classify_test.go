package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/joelkehle/trialmatch/internal/cda"
)

type fakeGenerator struct {
	responses []string
	err       error
	calls     int
	prompts   []string
	systems   []string
}

func (f *fakeGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	f.calls++
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", nil
	}
	out := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return out, nil
}

func (f *fakeGenerator) ModelName() string { return "test-model" }

func strPtr(s string) *string { return &s }

func TestKeywordIdentifierCachesPerTrial(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"1. Age", "1. Age\n2. BMI"}}
	k, err := NewKeywordIdentifier(gen, 8, nil)
	if err != nil {
		t.Fatalf("NewKeywordIdentifier: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := k.Identify(ctx, "NCT01", "Inclusion: adults 18-65")
		if err != nil || got != "1. Age" {
			t.Fatalf("Identify got %q, %v", got, err)
		}
	}
	if gen.calls != 1 {
		t.Fatalf("expected one service call, got %d", gen.calls)
	}
	if !strings.Contains(gen.prompts[0], "Trial Criteria: Inclusion: adults 18-65") {
		t.Fatalf("criteria missing from prompt: %q", gen.prompts[0])
	}

	got, err := k.Identify(ctx, "NCT01", "Inclusion: adults 18-65, BMI < 30")
	if err != nil || got != "1. Age\n2. BMI" {
		t.Fatalf("changed criteria should refresh, got %q, %v", got, err)
	}
	if gen.calls != 2 {
		t.Fatalf("expected refresh call, got %d calls", gen.calls)
	}
}

func TestKeywordIdentifierWithoutCache(t *testing.T) {
	gen := &fakeGenerator{responses: []string{"Age"}}
	k, err := NewKeywordIdentifier(gen, 0, nil)
	if err != nil {
		t.Fatalf("NewKeywordIdentifier: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := k.Identify(context.Background(), "NCT01", "criteria"); err != nil {
			t.Fatalf("Identify: %v", err)
		}
	}
	if gen.calls != 2 {
		t.Fatalf("expected every call to reach the service, got %d", gen.calls)
	}
}

func TestKeywordIdentifierError(t *testing.T) {
	boom := errors.New("boom")
	k, _ := NewKeywordIdentifier(&fakeGenerator{err: boom}, 4, nil)
	if _, err := k.Identify(context.Background(), "NCT01", "criteria"); !errors.Is(err, boom) {
		t.Fatalf("expected service error, got %v", err)
	}
}

func TestSummarizePatientFixedShape(t *testing.T) {
	age := 45
	rec := cda.PatientRecord{
		PatientID: strPtr("p1"),
		GivenName: strPtr("Maria"),
		Gender:    strPtr("F"),
		Age:       &age,
		Sections: map[string][]cda.Entry{
			cda.SectionAllergies:   {{Description: strPtr("Peanuts")}},
			cda.SectionMedications: {{Kind: cda.KindMedication, Description: strPtr("Aspirin"), Last: strPtr("Currently used")}},
		},
	}
	blob, err := json.Marshal(SummarizePatient(rec))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(blob, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"Gender", "Age", "Race", "Ethnic Group", "Language", "Vital Signs", "Medications", "Problems", "Surgeries", "Immunizations"} {
		if _, ok := got[key]; !ok {
			t.Fatalf("summary missing %q: %s", key, blob)
		}
	}
	if len(got) != 10 {
		t.Fatalf("summary should expose exactly ten attributes: %s", blob)
	}
	if string(got["Race"]) != "null" || string(got["Age"]) != "45" {
		t.Fatalf("unexpected values: %s", blob)
	}
	if !strings.Contains(string(got["Medications"]), `"Last Usage":"Currently used"`) {
		t.Fatalf("medications lost their keys: %s", got["Medications"])
	}
}

func TestClassifierEvaluateText(t *testing.T) {
	age := 45
	gen := &fakeGenerator{responses: []string{"Inclusion Criteria:\n- Age: Yes\n\nExclusion Criteria:\n"}}
	c := NewClassifier(gen, FormatText, nil)
	got, raw, err := c.Evaluate(context.Background(), "1. Age", cda.PatientRecord{Age: &age})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got.Equal(verdicts("Age", Yes)) || raw == "" {
		t.Fatalf("unexpected verdicts %v", got.Keys())
	}
	prompt := gen.prompts[0]
	if !strings.Contains(prompt, "Criteria Keywords: 1. Age") || !strings.Contains(prompt, `"Age": 45`) {
		t.Fatalf("prompt missing payload: %q", prompt)
	}
	if !strings.Contains(prompt, "Exclusion Criteria:") || strings.Contains(prompt, `"inclusion"`) {
		t.Fatalf("expected text format instructions: %q", prompt)
	}
	if !strings.Contains(gen.systems[0], `"Yes" if there is no information available`) {
		t.Fatal("missing-data policy absent from instructions")
	}
}

func TestClassifierEvaluateJSONFallsBackToText(t *testing.T) {
	gen := &fakeGenerator{responses: []string{
		`{"inclusion":[{"keyword":"Age","verdict":"Yes"}],"exclusion":[{"keyword":"Smoking","verdict":"No"}]}`,
		"Inclusion Criteria:\n- Age: Yes\nExclusion Criteria:\n- Smoking: Yes\n",
		"no verdicts here",
	}}
	c := NewClassifier(gen, FormatJSON, nil)
	ctx := context.Background()

	got, _, err := c.Evaluate(ctx, "Age, Smoking", cda.PatientRecord{})
	if err != nil || !got.Equal(verdicts("Age", Yes, "Smoking", No)) {
		t.Fatalf("structured response: %v, %v", got.Keys(), err)
	}
	if !strings.Contains(gen.prompts[0], `"inclusion"`) {
		t.Fatal("expected JSON format instructions")
	}

	got, _, err = c.Evaluate(ctx, "Age, Smoking", cda.PatientRecord{})
	if err != nil || OverallEligibility(got) != Yes {
		t.Fatalf("text fallback: %v, %v", got.Keys(), err)
	}

	_, raw, err := c.Evaluate(ctx, "Age, Smoking", cda.PatientRecord{})
	var fe *FormatError
	if !errors.As(err, &fe) || raw != "no verdicts here" {
		t.Fatalf("expected FormatError with raw response, got %v", err)
	}
}

func TestParseResponseFormat(t *testing.T) {
	if f, err := ParseResponseFormat(""); err != nil || f != FormatText {
		t.Fatalf("default format got %q, %v", f, err)
	}
	if f, err := ParseResponseFormat("json"); err != nil || f != FormatJSON {
		t.Fatalf("json format got %q, %v", f, err)
	}
	if _, err := ParseResponseFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
