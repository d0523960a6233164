// Package report renders a patient's eligibility file for people to read.
package report

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/trialmatch/internal/eligibility"
)

func RenderMarkdown(patientID string, file eligibility.EligibilityFile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Eligible trials for patient %s\n\n", escapeCell(patientID))
	if len(file.EligibleTrials) == 0 {
		sb.WriteString("No eligible trials.\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "%d eligible trial(s).\n\n", len(file.EligibleTrials))
	sb.WriteString("| Trial | Study title | Criteria met |\n|---|---|---|\n")
	for _, rec := range file.EligibleTrials {
		title := "-"
		if rec.StudyTitle != nil && strings.TrimSpace(*rec.StudyTitle) != "" {
			title = escapeCell(*rec.StudyTitle)
		}
		met := make([]string, 0, len(rec.EligibilityCriteriaMet))
		for _, c := range rec.EligibilityCriteriaMet {
			met = append(met, escapeCell(c))
		}
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", trialLink(rec.TrialID), title, strings.Join(met, ", "))
	}
	return sb.String()
}

// RenderHTML converts the patient's markdown report into a standalone page.
func RenderHTML(patientID string, file eligibility.EligibilityFile) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(RenderMarkdown(patientID, file)), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>Eligibility: " + html.EscapeString(patientID) + "</title>" +
		"<style>body{font-family:sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;} " +
		"table{width:100%;border-collapse:collapse;font-size:0.9rem;} " +
		"th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;} " +
		"thead th{background:#f1f5f9;}</style></head><body>" +
		content.String() + "</body></html>", nil
}

// WriteHTML renders the report to <dir>/<patientID>_eligibility.html.
func WriteHTML(dir, patientID string, file eligibility.EligibilityFile) (string, error) {
	page, err := RenderHTML(patientID, file)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &eligibility.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	path := filepath.Join(dir, patientID+"_eligibility.html")
	if err := os.WriteFile(path, []byte(page), 0o644); err != nil {
		return "", &eligibility.IOError{Op: "write", Path: path, Err: err}
	}
	return path, nil
}

func trialLink(trialID string) string {
	if strings.HasPrefix(trialID, "NCT") {
		return fmt.Sprintf("[%s](https://clinicaltrials.gov/study/%s)", trialID, trialID)
	}
	return escapeCell(trialID)
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
