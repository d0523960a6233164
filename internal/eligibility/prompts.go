package eligibility

import (
	"fmt"
	"strings"
)

const keywordSystemPrompt = `You are a clinical trial assistant.
Your task is to read the inclusion, exclusion, and other criteria of a clinical trial, and identify relevant keywords from each criterion.

Common keywords may include: "Gender", "Age", "Race", "Ethnic Group", "Language", "BMI", "BPM", "Height", "Weight", etc.

For each criterion, respond with the most relevant keyword or attribute it is concerned with.`

const classifySystemPrompt = `You are a clinical trial assistant.
Your task is to compare the patient's information (Gender, Age, Race, Ethnic Group, Language, Vital Signs, Medications, Problems, Surgeries, Immunizations) with the clinical trial's inclusion and exclusion criteria using the identified keywords.

For each inclusion criterion, respond with one of the following:
- "Yes" if the patient meets the criterion
- "No" if there is evidence that the criterion is not met
- "Yes" if there is no information available to determine eligibility.

For each exclusion criterion, respond with one of the following:
- "Yes" if the patient does not meet the criterion
- "No" if there is evidence that the criterion is met
- "Yes" if there is no information available to determine eligibility.`

const textResponseFormat = `While evaluating one criterion, consider only that criterion and not any other criteria.

The format of the response must be:

Inclusion Criteria:
- <keyword 1>: Yes
- <keyword 2>: No

Exclusion Criteria:
- <keyword 1>: No
- <keyword 2>: Yes

Do not repeat the full criteria text. Give only the keyword and the verdict, one per line.`

const jsonResponseFormat = `While evaluating one criterion, consider only that criterion and not any other criteria.

Respond with strict JSON only, in exactly this shape:
{"inclusion": [{"keyword": "<keyword>", "verdict": "Yes"}], "exclusion": [{"keyword": "<keyword>", "verdict": "No"}]}

Every verdict must be exactly "Yes" or "No". Do not repeat the full criteria text.`

func buildKeywordPrompt(criteria string) string {
	return fmt.Sprintf("Trial Criteria: %s\n\nFor each criterion, identify the relevant keyword or patient attribute.", criteria)
}

func buildClassifyPrompt(keywords, patient string, format ResponseFormat) string {
	var sb strings.Builder
	sb.WriteString("Criteria Keywords: ")
	sb.WriteString(keywords)
	sb.WriteString("\n\nPatient Information: ")
	sb.WriteString(patient)
	sb.WriteString("\n\nFor each criterion keyword, respond with \"Yes\" if the patient meets the criterion or \"No\" if the patient does not.\n\n")
	if format == FormatJSON {
		sb.WriteString(jsonResponseFormat)
	} else {
		sb.WriteString(textResponseFormat)
	}
	return sb.String()
}
