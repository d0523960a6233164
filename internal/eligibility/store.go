package eligibility

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const resultSuffix = "_eligibility.json"

var ErrUnsafePatientID = errors.New("patient id is not a plain file name")

// CheckPatientID rejects IDs that cannot be used verbatim as a file name
// prefix inside the output directory.
func CheckPatientID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrUnsafePatientID, id)
	}
	return nil
}

// FileStore keeps one append-only eligibility file per patient in Dir.
// Appends to the same patient are serialized within the process.
type FileStore struct {
	Dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir, locks: map[string]*sync.Mutex{}}
}

func (s *FileStore) PathFor(patientID string) string {
	return filepath.Join(s.Dir, patientID+resultSuffix)
}

func (s *FileStore) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[string]*sync.Mutex{}
	}
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// Load returns the patient's file, or an empty one if none exists yet.
func (s *FileStore) Load(patientID string) (EligibilityFile, error) {
	if err := CheckPatientID(patientID); err != nil {
		return EligibilityFile{}, &IOError{Op: "path", Path: patientID, Err: err}
	}
	return readEligibilityFile(s.PathFor(patientID))
}

// Append adds rec to the end of the patient's file, creating it if needed.
func (s *FileStore) Append(patientID string, rec EligibilityRecord) error {
	if err := CheckPatientID(patientID); err != nil {
		return &IOError{Op: "path", Path: patientID, Err: err}
	}
	path := s.PathFor(patientID)
	l := s.lockFor(path)
	l.Lock()
	defer l.Unlock()

	file, err := readEligibilityFile(path)
	if err != nil {
		return err
	}
	if rec.EligibilityCriteriaMet == nil {
		rec.EligibilityCriteriaMet = []string{}
	}
	file.EligibleTrials = append(file.EligibleTrials, rec)
	return writeEligibilityFile(path, file)
}

// Patients lists the patient IDs that have a result file, sorted.
func (s *FileStore) Patients() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "list", Path: s.Dir, Err: err}
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), resultSuffix) {
			ids = append(ids, strings.TrimSuffix(e.Name(), resultSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func readEligibilityFile(path string) (EligibilityFile, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return EligibilityFile{EligibleTrials: []EligibilityRecord{}}, nil
		}
		return EligibilityFile{}, &IOError{Op: "read", Path: path, Err: err}
	}
	var file EligibilityFile
	if err := json.Unmarshal(blob, &file); err != nil {
		return EligibilityFile{}, &IOError{Op: "decode", Path: path, Err: err}
	}
	if file.EligibleTrials == nil {
		file.EligibleTrials = []EligibilityRecord{}
	}
	return file, nil
}

func writeEligibilityFile(path string, file EligibilityFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(file); err != nil {
		return &IOError{Op: "encode", Path: path, Err: err}
	}
	blob := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return &IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}
