package batch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/joelkehle/trialmatch/internal/cda"
	"github.com/joelkehle/trialmatch/internal/eligibility"
)

const processedSuffix = "_data.json"

type PreprocessReport struct {
	Written  []string
	Failures []UnitFailure
}

// Preprocess extracts every .xml document in PatientsDir and writes it to
// ProcessedDir as <patientId>_data.json. A later Run may point PatientsDir
// at ProcessedDir to skip extraction.
func (r *Runner) Preprocess(ctx context.Context) (PreprocessReport, error) {
	var report PreprocessReport
	if r.cfg.ProcessedDir == "" {
		return report, errors.New("batch: processed directory not configured")
	}
	patients, err := listPatients(r.cfg.PatientsDir)
	if err != nil {
		return report, err
	}
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !strings.EqualFold(filepath.Ext(p.path), ".xml") {
			continue
		}
		log := r.log.WithFields(logrus.Fields{"stage": "preprocess", "file": filepath.Base(p.path)})
		rec, err := r.deps.Extractor.ExtractFile(p.path)
		var id string
		if err == nil {
			id, err = recordPatientID(rec, p)
		}
		if err == nil {
			path := filepath.Join(r.cfg.ProcessedDir, id+processedSuffix)
			if werr := cda.WriteRecord(path, rec); werr != nil {
				err = &eligibility.IOError{Op: "write", Path: path, Err: werr}
			} else {
				log.WithField("patient_id", id).Info("patient record written")
				report.Written = append(report.Written, path)
				continue
			}
		}
		kind := FailureKind(err)
		log.WithError(err).WithField("kind", kind).Error("patient document skipped")
		report.Failures = append(report.Failures, UnitFailure{PatientID: p.id, Kind: kind, Err: err})
		if r.cfg.FailFast {
			return report, &UnitError{PatientID: p.id, Err: err}
		}
	}
	return report, nil
}
