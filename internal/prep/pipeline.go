package prep

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fractal-lba/mmlu-prep/internal/acquire"
	"github.com/fractal-lba/mmlu-prep/internal/csvio"
	"github.com/fractal-lba/mmlu-prep/internal/manifest"
	"github.com/fractal-lba/mmlu-prep/internal/metrics"
	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
	"github.com/fractal-lba/mmlu-prep/internal/verify"
	"github.com/fractal-lba/mmlu-prep/pkg/otel"
)

// Mode selects the acquisition strategy.
type Mode string

const (
	ModeFull   Mode = "full"
	ModeSample Mode = "sample"
)

// ParseMode maps user input to a Mode. Anything unrecognized selects sample data; ok reports
// whether the input was recognized.
func ParseMode(s string) (mode Mode, ok bool) {
	switch s {
	case "full", "1":
		return ModeFull, true
	case "sample", "2":
		return ModeSample, true
	default:
		return ModeSample, false
	}
}

// DatasetSource is the managed primary source.
type DatasetSource interface {
	Fetch(ctx context.Context) (mmlu.Dataset, error)
}

// ArchiveFetcher downloads and extracts the fallback archive, returning the extracted root.
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, dataDir string) (string, error)
}

// Pipeline runs acquire, partition, reshape, persist and verify for one data directory.
type Pipeline struct {
	dataDir  string
	hub      DatasetSource
	archive  ArchiveFetcher
	manifest manifest.Store
	verifier *verify.Engine
	metrics  *metrics.Metrics
	logger   *zap.Logger
	out      io.Writer
	now      func() time.Time
}

// Deps are the collaborators of a Pipeline. Nil optional fields get no-op defaults; Hub and
// Archive are only required for ModeFull.
type Deps struct {
	Hub      DatasetSource
	Archive  ArchiveFetcher
	Manifest manifest.Store
	Verifier *verify.Engine
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Out      io.Writer
}

// New creates a pipeline writing under dataDir.
func New(dataDir string, deps Deps) *Pipeline {
	p := &Pipeline{
		dataDir:  dataDir,
		hub:      deps.Hub,
		archive:  deps.Archive,
		manifest: deps.Manifest,
		verifier: deps.Verifier,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		out:      deps.Out,
		now:      time.Now,
	}
	if p.manifest == nil {
		p.manifest = manifest.NopStore{}
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.out == nil {
		p.out = io.Discard
	}
	if p.verifier == nil {
		params := verify.DefaultParams()
		params.ManifestRoot = dataDir
		p.verifier = verify.NewEngine(params, p.manifest, p.metrics, p.logger)
	}
	return p
}

// Result summarizes a run.
type Result struct {
	RunID    string
	Mode     Mode
	Attempts []acquire.Outcome
	Files    int
	Rows     int
	// VerifyDir is where the written data lives: the data directory, or the extracted archive
	// root when the archive fallback supplied the data.
	VerifyDir string
	Report    *verify.Report
}

// Final returns the last acquisition attempt, the one whose data was used.
func (r *Result) Final() acquire.Outcome {
	if len(r.Attempts) == 0 {
		return acquire.Outcome{}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Run executes the whole flow. Acquisition failures are demoted to the next fallback stage;
// write failures abort the run and are returned.
func (p *Pipeline) Run(ctx context.Context, mode Mode) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), Mode: mode, VerifyDir: p.dataDir}
	logger := p.logger.With(zap.String("run_id", res.RunID), zap.String("mode", string(mode)))

	ctx, span := otel.StartSpan(ctx, "prep.run", otel.RunAttributes(res.RunID, string(mode), p.dataDir)...)
	defer span.End()

	splits := []mmlu.Split{mmlu.SplitTest, mmlu.SplitDev}
	if mode == ModeFull {
		splits = mmlu.Splits
	}
	if err := p.makeDirs(splits); err != nil {
		otel.RecordError(span, err, "mkdir failed")
		return res, err
	}

	outcome := p.acquire(ctx, mode, res, logger)

	if outcome.Stage == acquire.StageArchive {
		res.VerifyDir = outcome.Root
	} else if err := p.persist(ctx, outcome.Dataset, res, logger); err != nil {
		otel.RecordError(span, err, "persist failed")
		return res, err
	}

	_, vspan := otel.StartSpan(ctx, "prep.verify")
	res.Report = p.verifier.Verify(ctx, res.VerifyDir)
	vspan.SetAttributes(otel.AttrAnomaly.Int(len(res.Report.Anomalies)))
	vspan.End()
	res.Report.Print(p.out)

	logger.Info("preparation finished",
		zap.String("stage", string(outcome.Stage)),
		zap.Int("files", res.Files),
		zap.Int("rows", res.Rows),
		zap.Bool("verified", res.Report.OK),
		zap.Int("anomalies", len(res.Report.Anomalies)))
	return res, nil
}

// acquire walks the fallback sequence hub → archive → sample for ModeFull, or goes straight to
// sample data for ModeSample. The returned outcome always succeeds.
func (p *Pipeline) acquire(ctx context.Context, mode Mode, res *Result, logger *zap.Logger) acquire.Outcome {
	ctx, span := otel.StartSpan(ctx, "prep.acquire")
	defer span.End()

	record := func(o acquire.Outcome) acquire.Outcome {
		res.Attempts = append(res.Attempts, o)
		p.metrics.AcquireAttempts.WithLabelValues(string(o.Stage), o.Result()).Inc()
		otel.AddEvent(span, "attempt", otel.AttrStage.String(string(o.Stage)), otel.AttrFallback.Bool(!o.OK()))
		return o
	}

	if mode == ModeFull {
		fmt.Fprintln(p.out, "Downloading MMLU dataset...")
		o := record(p.fromHub(ctx))
		if o.OK() {
			return o
		}
		fmt.Fprintf(p.out, "Download failed: %v\n", o.Err)
		logger.Warn("hub acquisition failed", zap.Error(o.Err))

		fmt.Fprintln(p.out, "Trying the release archive...")
		o = record(p.fromArchive(ctx))
		if o.OK() {
			fmt.Fprintln(p.out, "Archive download complete.")
			return o
		}
		fmt.Fprintf(p.out, "Archive download failed too: %v\n", o.Err)
		logger.Warn("archive acquisition failed", zap.Error(o.Err))

		fmt.Fprintln(p.out, "Automatic download failed, creating sample data for testing...")
	}

	fmt.Fprintln(p.out, "Creating sample MMLU data...")
	return record(acquire.SampleOutcome())
}

func (p *Pipeline) fromHub(ctx context.Context) acquire.Outcome {
	if p.hub == nil {
		return acquire.Outcome{Stage: acquire.StageHub, Err: fmt.Errorf("no dataset source configured")}
	}
	d, err := p.hub.Fetch(ctx)
	if err != nil {
		return acquire.Outcome{Stage: acquire.StageHub, Err: err}
	}
	return acquire.Outcome{Stage: acquire.StageHub, Dataset: d}
}

func (p *Pipeline) fromArchive(ctx context.Context) acquire.Outcome {
	if p.archive == nil {
		return acquire.Outcome{Stage: acquire.StageArchive, Err: fmt.Errorf("no archive source configured")}
	}
	root, err := p.archive.FetchArchive(ctx, p.dataDir)
	if err != nil {
		return acquire.Outcome{Stage: acquire.StageArchive, Err: err}
	}
	return acquire.Outcome{Stage: acquire.StageArchive, Root: root}
}

func (p *Pipeline) makeDirs(splits []mmlu.Split) error {
	if err := os.MkdirAll(p.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.dataDir, err)
	}
	for _, s := range splits {
		dir := filepath.Join(p.dataDir, s.Dir())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// persist partitions, reshapes and writes every (subject, split) pair of d.
func (p *Pipeline) persist(ctx context.Context, d mmlu.Dataset, res *Result, logger *zap.Logger) error {
	ctx, span := otel.StartSpan(ctx, "prep.persist")
	defer span.End()

	prepared, err := mmlu.Prepare(d)
	if err != nil {
		return err
	}

	for _, sr := range prepared {
		if sr.Split == mmlu.SplitTest {
			fmt.Fprintf(p.out, "Processing subject: %s\n", sr.Subject)
		}

		path := filepath.Join(p.dataDir, sr.Split.Dir(), sr.Split.FileName(sr.Subject))
		if err := csvio.WriteRows(path, sr.Rows); err != nil {
			return err
		}
		p.metrics.FilesWritten.WithLabelValues(string(sr.Split)).Inc()
		p.metrics.RowsWritten.WithLabelValues(string(sr.Split)).Add(float64(len(sr.Rows)))
		otel.AddEvent(span, "file", otel.FileAttributes(string(sr.Split), sr.Subject, len(sr.Rows))...)
		res.Files++
		res.Rows += len(sr.Rows)

		if err := p.record(ctx, res.RunID, path, sr); err != nil {
			logger.Warn("failed to record manifest entry", zap.String("path", path), zap.Error(err))
		}
	}

	logger.Info("wrote dataset", zap.Int("files", res.Files), zap.Int("rows", res.Rows))
	return nil
}

func (p *Pipeline) record(ctx context.Context, runID, path string, sr mmlu.SubjectRows) error {
	rel, err := manifest.RelPath(p.dataDir, path)
	if err != nil {
		return err
	}
	digest, err := manifest.FileDigest(path)
	if err != nil {
		return err
	}
	return p.manifest.Put(ctx, manifest.Entry{
		Path:      rel,
		Split:     string(sr.Split),
		Subject:   sr.Subject,
		Rows:      len(sr.Rows),
		SHA256:    digest,
		RunID:     runID,
		WrittenAt: p.now().UTC(),
	})
}

// PrintLayout writes the directory tree summary shown at the end of a run.
func PrintLayout(w io.Writer, res *Result) {
	fmt.Fprintf(w, "Data preparation complete! Data saved in: %s\n", res.VerifyDir)
	fmt.Fprintln(w, "Directory structure:")
	fmt.Fprintf(w, "  %s/\n", res.VerifyDir)
	fmt.Fprintln(w, "    ├── test/     # test split CSV files")
	if res.Report == nil || res.Report.ValFiles == 0 {
		fmt.Fprintln(w, "    └── dev/      # dev split CSV files")
		return
	}
	fmt.Fprintln(w, "    ├── dev/      # dev split CSV files")
	fmt.Fprintln(w, "    └── val/      # validation split CSV files")
}
