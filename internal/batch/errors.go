package batch

import (
	"errors"
	"io/fs"

	"github.com/joelkehle/trialmatch/internal/cda"
	"github.com/joelkehle/trialmatch/internal/eligibility"
	"github.com/joelkehle/trialmatch/internal/llm"
)

const (
	KindParse   = "parse"
	KindFormat  = "format"
	KindService = "service"
	KindIO      = "io"
	KindOther   = "other"
)

// FailureKind names the error category of err for run reports.
func FailureKind(err error) string {
	var pe *cda.ParseError
	var fe *eligibility.FormatError
	var se *llm.ServiceError
	var ioe *eligibility.IOError
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &fe):
		return KindFormat
	case errors.As(err, &se):
		return KindService
	case errors.As(err, &ioe), errors.As(err, &pathErr):
		return KindIO
	default:
		return KindOther
	}
}

// UnitError is a failed (patient, trial) unit. TrialID is empty when the
// patient document itself could not be read.
type UnitError struct {
	PatientID string
	TrialID   string
	Err       error
}

func (e *UnitError) Error() string {
	if e.TrialID == "" {
		return "patient " + e.PatientID + ": " + e.Err.Error()
	}
	return "patient " + e.PatientID + " trial " + e.TrialID + ": " + e.Err.Error()
}

func (e *UnitError) Unwrap() error { return e.Err }
