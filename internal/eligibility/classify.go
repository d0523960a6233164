package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/trialmatch/internal/cda"
	"github.com/joelkehle/trialmatch/internal/llm"
)

type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

func ParseResponseFormat(s string) (ResponseFormat, error) {
	switch ResponseFormat(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown response format %q", s)
	}
}

// PatientSummary is the fixed set of patient attributes shown to the
// classifier. Missing attributes are sent as null.
type PatientSummary struct {
	Gender        *string     `json:"Gender"`
	Age           *int        `json:"Age"`
	Race          *string     `json:"Race"`
	EthnicGroup   *string     `json:"Ethnic Group"`
	Language      *string     `json:"Language"`
	VitalSigns    []cda.Entry `json:"Vital Signs"`
	Medications   []cda.Entry `json:"Medications"`
	Problems      []cda.Entry `json:"Problems"`
	Surgeries     []cda.Entry `json:"Surgeries"`
	Immunizations []cda.Entry `json:"Immunizations"`
}

func SummarizePatient(rec cda.PatientRecord) PatientSummary {
	return PatientSummary{
		Gender:        rec.Gender,
		Age:           rec.Age,
		Race:          rec.Race,
		EthnicGroup:   rec.EthnicGroup,
		Language:      rec.Language,
		VitalSigns:    rec.Section(cda.SectionVitalSigns),
		Medications:   rec.Section(cda.SectionMedications),
		Problems:      rec.Section(cda.SectionProblems),
		Surgeries:     rec.Section(cda.SectionSurgeries),
		Immunizations: rec.Section(cda.SectionImmunizations),
	}
}

type Classifier struct {
	gen    llm.TextGenerator
	format ResponseFormat
	log    logrus.FieldLogger
}

func NewClassifier(gen llm.TextGenerator, format ResponseFormat, logger logrus.FieldLogger) *Classifier {
	if format == "" {
		format = FormatText
	}
	return &Classifier{gen: gen, format: format, log: orDiscard(logger)}
}

// Classify asks the service for a verdict per keyword and returns the raw
// response. Missing patient data counts in the patient's favour for both
// inclusion and exclusion criteria.
func (c *Classifier) Classify(ctx context.Context, keywords string, summary PatientSummary) (string, error) {
	patient, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode patient summary: %w", err)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "eligibility.classify")
	defer span.End()
	span.SetAttributes(attribute.String("response.format", string(c.format)))

	start := time.Now()
	raw, err := c.gen.Generate(ctx, classifySystemPrompt, buildClassifyPrompt(keywords, string(patient), c.format))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return "", err
	}
	c.log.WithFields(logrus.Fields{
		"stage":          "classify",
		"format":         c.format,
		"elapsed_ms":     time.Since(start).Milliseconds(),
		"response_chars": len(raw),
	}).Debug("classification received")
	return raw, nil
}

// Evaluate classifies rec against keywords and parses the verdicts. JSON
// responses that fail to decode are retried through the text grammar before
// giving up.
func (c *Classifier) Evaluate(ctx context.Context, keywords string, rec cda.PatientRecord) (*VerdictMap, string, error) {
	raw, err := c.Classify(ctx, keywords, SummarizePatient(rec))
	if err != nil {
		return nil, "", err
	}
	if c.format == FormatJSON {
		verdicts, jsonErr := ParseStructuredVerdicts(raw)
		if jsonErr == nil {
			return verdicts, raw, nil
		}
		if verdicts, textErr := ParseVerdicts(raw); textErr == nil {
			c.log.WithField("patient_id", rec.ID()).Warn("structured verdicts unreadable, used text format")
			return verdicts, raw, nil
		}
		return nil, raw, jsonErr
	}
	verdicts, err := ParseVerdicts(raw)
	if err != nil {
		return nil, raw, err
	}
	return verdicts, raw, nil
}
