package cda

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PatientRecord is the structured form of one clinical document. Pointer
// fields are nil when the source document lacks them.
type PatientRecord struct {
	PatientID   *string
	GivenName   *string
	Gender      *string
	BirthTime   *string
	Age         *int
	Race        *string
	EthnicGroup *string
	Language    *string
	Sections    map[string][]Entry
}

// Entry is one table row of a section. Duration and Last hold the derived
// temporal fields; Value is read only for vital signs.
type Entry struct {
	Kind        EntryKind
	Start       *string
	Stop        *string
	Description *string
	Duration    *string
	Last        *string
	Value       *string
}

func (r PatientRecord) ID() string {
	if r.PatientID == nil {
		return ""
	}
	return *r.PatientID
}

func (r PatientRecord) Section(name string) []Entry {
	return r.Sections[name]
}

type demographicsJSON struct {
	PatientID   *string `json:"Patient ID,omitempty"`
	GivenName   *string `json:"Given Name,omitempty"`
	Gender      *string `json:"Gender,omitempty"`
	BirthTime   *string `json:"Birth Time,omitempty"`
	Age         *int    `json:"Age,omitempty"`
	Race        *string `json:"Race,omitempty"`
	EthnicGroup *string `json:"Ethnic Group,omitempty"`
	Language    *string `json:"Language,omitempty"`
}

// MarshalJSON writes demographics first, then sections in vocabulary order,
// using the record's historical key names.
func (r PatientRecord) MarshalJSON() ([]byte, error) {
	head, err := json.Marshal(demographicsJSON{
		PatientID:   r.PatientID,
		GivenName:   r.GivenName,
		Gender:      r.Gender,
		BirthTime:   r.BirthTime,
		Age:         r.Age,
		Race:        r.Race,
		EthnicGroup: r.EthnicGroup,
		Language:    r.Language,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(head[:len(head)-1])
	first := len(head) == 2
	for _, name := range Sections {
		entries, ok := r.Sections[name]
		if !ok {
			continue
		}
		if entries == nil {
			entries = []Entry{}
		}
		key, _ := json.Marshal(name)
		val, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *PatientRecord) UnmarshalJSON(b []byte) error {
	var demo demographicsJSON
	if err := json.Unmarshal(b, &demo); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = PatientRecord{
		PatientID:   demo.PatientID,
		GivenName:   demo.GivenName,
		Gender:      demo.Gender,
		BirthTime:   demo.BirthTime,
		Age:         demo.Age,
		Race:        demo.Race,
		EthnicGroup: demo.EthnicGroup,
		Language:    demo.Language,
		Sections:    map[string][]Entry{},
	}
	for key, val := range raw {
		for _, name := range MatchSections(key) {
			var entries []Entry
			if err := json.Unmarshal(val, &entries); err != nil {
				return fmt.Errorf("section %q: %w", key, err)
			}
			kind := LayoutFor(name).Kind
			for i := range entries {
				entries[i].Kind = kind
			}
			r.Sections[name] = append(r.Sections[name], entries...)
		}
	}
	return nil
}

type genericEntryJSON struct {
	Start       *string `json:"Start,omitempty"`
	Stop        *string `json:"Stop,omitempty"`
	Description *string `json:"Description,omitempty"`
	Duration    *string `json:"Duration,omitempty"`
	Last        *string `json:"Last,omitempty"`
}

type medicationEntryJSON struct {
	Start           *string `json:"Start,omitempty"`
	Stop            *string `json:"Stop,omitempty"`
	Description     *string `json:"Description,omitempty"`
	DurationOfUsage *string `json:"Duration of Usage,omitempty"`
	LastUsage       *string `json:"Last Usage,omitempty"`
}

type vitalSignEntryJSON struct {
	Start       *string `json:"Start,omitempty"`
	Stop        *string `json:"Stop,omitempty"`
	Description *string `json:"Description,omitempty"`
	Value       *string `json:"Value,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindMedication:
		return json.Marshal(medicationEntryJSON{e.Start, e.Stop, e.Description, e.Duration, e.Last})
	case KindVitalSign:
		return json.Marshal(vitalSignEntryJSON{e.Start, e.Stop, e.Description, e.Value})
	default:
		return json.Marshal(genericEntryJSON{e.Start, e.Stop, e.Description, e.Duration, e.Last})
	}
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var all struct {
		genericEntryJSON
		DurationOfUsage *string `json:"Duration of Usage,omitempty"`
		LastUsage       *string `json:"Last Usage,omitempty"`
		Value           *string `json:"Value,omitempty"`
	}
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	*e = Entry{
		Start:       all.Start,
		Stop:        all.Stop,
		Description: all.Description,
		Duration:    all.Duration,
		Last:        all.Last,
		Value:       all.Value,
	}
	switch {
	case all.DurationOfUsage != nil || all.LastUsage != nil:
		e.Kind = KindMedication
		e.Duration = all.DurationOfUsage
		e.Last = all.LastUsage
	case all.Value != nil:
		e.Kind = KindVitalSign
	}
	return nil
}

// WriteRecord persists a record as indented JSON, the preprocessed form a
// batch can consume in place of the source document.
func WriteRecord(path string, rec PatientRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(rec, "", "    ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadRecord(path string) (PatientRecord, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return PatientRecord{}, err
	}
	var rec PatientRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return PatientRecord{}, &ParseError{Path: path, Reason: "malformed patient record", Err: err}
	}
	return rec, nil
}
