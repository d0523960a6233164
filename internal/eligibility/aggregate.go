package eligibility

// EligibilityRecord is the stored outcome of one eligible (patient, trial)
// pair.
type EligibilityRecord struct {
	TrialID                string   `json:"trialId"`
	StudyTitle             *string  `json:"studyTitle"`
	EligibilityCriteriaMet []string `json:"eligibilityCriteriaMet"`
}

type EligibilityFile struct {
	EligibleTrials []EligibilityRecord `json:"eligibleTrials"`
}

// OverallEligibility is Yes when every verdict is exactly "Yes". A map with
// no verdicts is Yes.
func OverallEligibility(m *VerdictMap) string {
	for _, k := range m.Keys() {
		if v, _ := m.Get(k); v != Yes {
			return No
		}
	}
	return Yes
}

// BuildRecord lists the keywords with a Yes verdict in map order.
func BuildRecord(trialID string, studyTitle *string, m *VerdictMap) EligibilityRecord {
	met := []string{}
	for _, k := range m.Keys() {
		if v, _ := m.Get(k); v == Yes {
			met = append(met, k)
		}
	}
	return EligibilityRecord{TrialID: trialID, StudyTitle: studyTitle, EligibilityCriteriaMet: met}
}
