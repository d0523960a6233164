package trials

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/joelkehle/trialmatch/internal/eligibility"
)

const (
	criteriaAnchor = "#participation-criteria"
	criteriaXPath  = `//*[@id="participation-criteria"]/ctg-participation-criteria/div[2]/div/div[2]/div[1]`
	otherXPath     = `//*[@id="participation-criteria"]/ctg-participation-criteria/div[2]/div/div[2]/div[2]`
)

// Study is one row of a registry search export.
type Study struct {
	URL       string
	NCTNumber string
	Title     string
}

// ReadStudyLinks reads a registry export with "Study URL", "NCT Number" and
// "Study Title" columns. Other columns are ignored.
func ReadStudyLinks(r io.Reader) ([]Study, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, want := range []string{"Study URL", "NCT Number", "Study Title"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("missing column %q", want)
		}
	}
	field := func(row []string, name string) string {
		if i := cols[name]; i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	var out []Study
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		s := Study{URL: field(row, "Study URL"), NCTNumber: field(row, "NCT Number"), Title: field(row, "Study Title")}
		if s.URL == "" || s.NCTNumber == "" {
			continue
		}
		out = append(out, s)
	}
}

func ReadStudyLinksFile(path string) ([]Study, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &eligibility.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	return ReadStudyLinks(f)
}

// FormatCriteria renders the criteria document layout the batch reads: the
// title line first, then both criteria blocks.
func FormatCriteria(title, criteria, other string) string {
	return fmt.Sprintf("Study Title: %s\nInclusion/Exclusion Criteria:\n%s\n\nOther Criteria:\n%s", title, criteria, other)
}

// CriteriaFetcher returns the participation criteria and the other criteria
// blocks of one study page.
type CriteriaFetcher interface {
	Fetch(ctx context.Context, studyURL string) (criteria, other string, err error)
}

// ChromeFetcher reads study pages in one headless browser, one tab per page.
type ChromeFetcher struct {
	browserCtx context.Context
	cancel     context.CancelFunc
	timeout    time.Duration
}

func NewChromeFetcher(ctx context.Context, timeout time.Duration) (*ChromeFetcher, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if p := detectChromePath(); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &ChromeFetcher{
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
		timeout: timeout,
	}, nil
}

func (f *ChromeFetcher) Close() { f.cancel() }

func (f *ChromeFetcher) Fetch(ctx context.Context, studyURL string) (string, string, error) {
	tabCtx, tabCancel := chromedp.NewContext(f.browserCtx)
	defer tabCancel()
	timeoutCtx, cancel := context.WithTimeout(tabCtx, f.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var criteria, other string
	err := chromedp.Run(timeoutCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDeviceMetricsOverride(1920, 1080, 1, false).Do(ctx)
		}),
		chromedp.Navigate(studyURL+criteriaAnchor),
		chromedp.Text(criteriaXPath, &criteria, chromedp.BySearch, chromedp.NodeVisible),
		chromedp.Text(otherXPath, &other, chromedp.BySearch, chromedp.NodeVisible),
	)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(criteria), strings.TrimSpace(other), nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

type StudyFailure struct {
	NCTNumber string
	Err       error
}

type ScrapeReport struct {
	Written  []string
	Failures []StudyFailure
}

// Scraper writes one <NCT number>_criteria.txt per study into OutDir. A
// study that cannot be fetched or written is logged and skipped.
type Scraper struct {
	fetcher CriteriaFetcher
	outDir  string
	log     logrus.FieldLogger
}

func NewScraper(fetcher CriteriaFetcher, outDir string, logger *logrus.Logger) *Scraper {
	s := &Scraper{fetcher: fetcher, outDir: outDir}
	if logger != nil {
		s.log = logger
	} else {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s
}

func (s *Scraper) Scrape(ctx context.Context, studies []Study) (ScrapeReport, error) {
	var report ScrapeReport
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return report, &eligibility.IOError{Op: "mkdir", Path: s.outDir, Err: err}
	}
	for _, study := range studies {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fields := logrus.Fields{"trial_id": study.NCTNumber, "url": study.URL}
		s.log.WithFields(fields).Info("scraping study")
		path, err := s.scrapeOne(ctx, study)
		if err != nil {
			s.log.WithFields(fields).WithError(err).Warn("study skipped")
			report.Failures = append(report.Failures, StudyFailure{NCTNumber: study.NCTNumber, Err: err})
			continue
		}
		report.Written = append(report.Written, path)
	}
	return report, nil
}

func (s *Scraper) scrapeOne(ctx context.Context, study Study) (string, error) {
	criteria, other, err := s.fetcher.Fetch(ctx, study.URL)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", study.URL, err)
	}
	path := filepath.Join(s.outDir, study.NCTNumber+CriteriaSuffix)
	if err := os.WriteFile(path, []byte(FormatCriteria(study.Title, criteria, other)), 0o644); err != nil {
		return "", &eligibility.IOError{Op: "write", Path: path, Err: err}
	}
	return path, nil
}
