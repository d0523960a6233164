// Package batch evaluates every patient against every trial and persists
// the eligible pairs.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/trialmatch/internal/cda"
	"github.com/joelkehle/trialmatch/internal/eligibility"
	"github.com/joelkehle/trialmatch/internal/runlog"
	"github.com/joelkehle/trialmatch/internal/trials"
)

const tracerName = "github.com/joelkehle/trialmatch/internal/batch"

type Config struct {
	PatientsDir  string
	TrialsDir    string
	ProcessedDir string
	Workers      int
	// FailFast stops the batch at the first failed unit instead of
	// recording it and moving on.
	FailFast bool
}

type Extractor interface {
	ExtractFile(path string) (cda.PatientRecord, error)
}

type KeywordSource interface {
	Identify(ctx context.Context, trialID, criteria string) (string, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, keywords string, rec cda.PatientRecord) (*eligibility.VerdictMap, string, error)
}

type ResultStore interface {
	Append(patientID string, rec eligibility.EligibilityRecord) error
}

type Recorder interface {
	StartRun(ctx context.Context, runID string) error
	RecordUnit(ctx context.Context, u runlog.UnitRecord) error
	FinishRun(ctx context.Context, run runlog.RunRecord) error
}

type Deps struct {
	Extractor Extractor
	Keywords  KeywordSource
	Evaluator Evaluator
	Store     ResultStore
	Recorder  Recorder
	Logger    *logrus.Logger
	Clock     func() time.Time
	NewRunID  func() string
}

type UnitFailure struct {
	PatientID string
	TrialID   string
	Kind      string
	Err       error
}

// Report summarizes one run. Failures lists every unit that did not
// complete, in no particular order across patients.
type Report struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Patients         int
	Trials           int
	Units            int
	Eligible         int
	Ineligible       int
	Failures         []UnitFailure
	EligiblePatients []string
}

func (r Report) Failed() int { return len(r.Failures) }

type Runner struct {
	cfg  Config
	deps Deps
	log  *logrus.Logger
}

// NewRunner fills in defaults for the optional deps. Keywords, Evaluator and
// Store are only needed by Run.
func NewRunner(cfg Config, deps Deps) *Runner {
	if deps.Extractor == nil {
		deps.Extractor = cda.NewExtractor(cda.Options{})
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
		deps.Logger.SetOutput(io.Discard)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return uuid.NewString() }
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{cfg: cfg, deps: deps, log: deps.Logger}
}

type patientFile struct {
	path string
	id   string
}

// Run evaluates every patient document in PatientsDir against every
// criteria document in TrialsDir. Unit failures are collected in the report;
// the returned error is set only when the run could not start, was
// cancelled, or FailFast stopped it.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: r.deps.NewRunID(), StartedAt: r.deps.Clock()}
	if r.deps.Keywords == nil || r.deps.Evaluator == nil || r.deps.Store == nil {
		return report, errors.New("batch: keywords, evaluator and store are required")
	}
	log := r.log.WithField("run_id", report.RunID)

	criteria, err := trials.LoadDir(r.cfg.TrialsDir)
	if err != nil {
		return report, err
	}
	patients, err := listPatients(r.cfg.PatientsDir)
	if err != nil {
		return report, err
	}
	report.Patients, report.Trials = len(patients), len(criteria)
	if r.deps.Recorder != nil {
		if err := r.deps.Recorder.StartRun(ctx, report.RunID); err != nil {
			return report, err
		}
	}
	log.WithFields(logrus.Fields{"patients": len(patients), "trials": len(criteria), "workers": r.cfg.Workers}).Info("batch started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		eligible = map[string]bool{}
	)
	collect := func(o unitOutcome) {
		if o.cancelled {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		report.Units++
		switch {
		case o.err != nil:
			report.Failures = append(report.Failures, UnitFailure{PatientID: o.patientID, TrialID: o.trialID, Kind: FailureKind(o.err), Err: o.err})
			if r.cfg.FailFast && firstErr == nil {
				firstErr = &UnitError{PatientID: o.patientID, TrialID: o.trialID, Err: o.err}
				cancel()
			}
		case o.eligible:
			report.Eligible++
			eligible[o.patientID] = true
		default:
			report.Ineligible++
		}
	}

	jobs := make(chan patientFile)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				r.runPatient(runCtx, report.RunID, p, criteria, collect)
			}
		}()
	}
feed:
	for _, p := range patients {
		select {
		case jobs <- p:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for id := range eligible {
		report.EligiblePatients = append(report.EligiblePatients, id)
	}
	sort.Strings(report.EligiblePatients)
	report.FinishedAt = r.deps.Clock()

	if r.deps.Recorder != nil {
		// The run row is closed even when the caller's context is done.
		finishCtx := context.WithoutCancel(ctx)
		if err := r.deps.Recorder.FinishRun(finishCtx, runlog.RunRecord{
			RunID:    report.RunID,
			Patients: report.Patients,
			Trials:   report.Trials,
			Eligible: report.Eligible,
			Failed:   report.Failed(),
		}); err != nil {
			log.WithError(err).Warn("run ledger not finalized")
		}
	}
	log.WithFields(logrus.Fields{
		"units":      report.Units,
		"eligible":   report.Eligible,
		"ineligible": report.Ineligible,
		"failed":     report.Failed(),
		"elapsed_ms": report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	}).Info("batch finished")

	if firstErr != nil {
		return report, firstErr
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

type unitOutcome struct {
	patientID string
	trialID   string
	eligible  bool
	cancelled bool
	err       error
}

func (r *Runner) runPatient(ctx context.Context, runID string, p patientFile, criteria []trials.Criteria, collect func(unitOutcome)) {
	rec, err := r.loadPatient(p)
	patientID := p.id
	if err == nil {
		patientID, err = recordPatientID(rec, p)
	}
	log := r.log.WithFields(logrus.Fields{"run_id": runID, "patient_id": patientID})
	if err != nil {
		log.WithError(err).WithField("kind", FailureKind(err)).Error("patient document unreadable")
		r.record(ctx, runlog.UnitRecord{RunID: runID, PatientID: patientID, Status: runlog.StatusFailed, FailureKind: FailureKind(err), Error: err.Error()}, log)
		collect(unitOutcome{patientID: patientID, err: err})
		return
	}
	for _, c := range criteria {
		if ctx.Err() != nil {
			return
		}
		collect(r.runUnit(ctx, runID, patientID, rec, c, log.WithField("trial_id", c.TrialID)))
	}
}

func (r *Runner) runUnit(ctx context.Context, runID, patientID string, rec cda.PatientRecord, c trials.Criteria, log *logrus.Entry) unitOutcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "batch.unit",
		trace.WithAttributes(attribute.String("patient.id", patientID), attribute.String("trial.id", c.TrialID)))
	defer span.End()

	out := unitOutcome{patientID: patientID, trialID: c.TrialID}
	unit := runlog.UnitRecord{RunID: runID, PatientID: patientID, TrialID: c.TrialID}
	fail := func(err error) unitOutcome {
		if ctx.Err() != nil {
			out.cancelled = true
			return out
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "unit failed")
		kind := FailureKind(err)
		log.WithError(err).WithField("kind", kind).Error("unit failed")
		unit.Status, unit.FailureKind, unit.Error = runlog.StatusFailed, kind, err.Error()
		r.record(ctx, unit, log)
		out.err = err
		return out
	}

	keywords, err := r.deps.Keywords.Identify(ctx, c.TrialID, c.Text)
	if err != nil {
		return fail(err)
	}
	verdicts, _, err := r.deps.Evaluator.Evaluate(ctx, keywords, rec)
	if err != nil {
		return fail(err)
	}
	if blob, err := json.Marshal(verdicts); err == nil {
		unit.Verdicts = string(blob)
	}

	overall := eligibility.OverallEligibility(verdicts)
	span.SetAttributes(attribute.String("eligibility.overall", overall))
	log.WithFields(logrus.Fields{"overall": overall, "criteria": verdicts.Len()}).Info("final eligibility")
	if overall != eligibility.Yes {
		unit.Status = runlog.StatusIneligible
		r.record(ctx, unit, log)
		return out
	}
	if err := r.deps.Store.Append(patientID, eligibility.BuildRecord(c.TrialID, c.StudyTitle, verdicts)); err != nil {
		return fail(err)
	}
	unit.Status = runlog.StatusEligible
	r.record(ctx, unit, log)
	out.eligible = true
	return out
}

func (r *Runner) record(ctx context.Context, u runlog.UnitRecord, log logrus.FieldLogger) {
	if r.deps.Recorder == nil {
		return
	}
	if err := r.deps.Recorder.RecordUnit(context.WithoutCancel(ctx), u); err != nil {
		log.WithError(err).Warn("unit not recorded")
	}
}

// recordPatientID returns the record's own ID, or the file name fallback
// when it has none. An ID that would escape the output directory is a
// ParseError and the fallback is returned alongside it.
func recordPatientID(rec cda.PatientRecord, p patientFile) (string, error) {
	id := rec.ID()
	if id == "" {
		return p.id, nil
	}
	if err := eligibility.CheckPatientID(id); err != nil {
		return p.id, &cda.ParseError{Path: p.path, Reason: "unusable patient id", Err: err}
	}
	return id, nil
}

func (r *Runner) loadPatient(p patientFile) (cda.PatientRecord, error) {
	if strings.EqualFold(filepath.Ext(p.path), ".json") {
		return cda.ReadRecord(p.path)
	}
	return r.deps.Extractor.ExtractFile(p.path)
}

// listPatients returns the .xml documents and .json records in dir, sorted
// by name. The fallback patient ID is the file name up to the first
// underscore or extension.
func listPatients(dir string) ([]patientFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &eligibility.IOError{Op: "list", Path: dir, Err: err}
	}
	var out []patientFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".xml" && ext != ".json" {
			continue
		}
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		id, _, _ := strings.Cut(base, "_")
		out = append(out, patientFile{path: filepath.Join(dir, e.Name()), id: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

// Summary renders the report as a short human-readable block.
func (r Report) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s: %d patients x %d trials, %d units, %d eligible, %d ineligible, %d failed\n",
		r.RunID, r.Patients, r.Trials, r.Units, r.Eligible, r.Ineligible, r.Failed())
	for _, f := range r.Failures {
		target := f.PatientID
		if f.TrialID != "" {
			target += "/" + f.TrialID
		}
		fmt.Fprintf(&sb, "  %s [%s]: %v\n", target, f.Kind, f.Err)
	}
	return sb.String()
}
