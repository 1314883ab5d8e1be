// Command photodate restores capture dates to exported photos from their
// sidecar documents.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/photodate/internal/batch"
	"example.com/photodate/internal/common"
	"example.com/photodate/internal/crypto"
	"example.com/photodate/internal/manifest"
	"example.com/photodate/internal/pairing"
	"example.com/photodate/internal/report"
	"example.com/photodate/internal/scan"
	"example.com/photodate/internal/watch"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the state shared by subcommands.
type app struct {
	stdout, stderr io.Writer
	configPath     string
	cfg            config
	logCloser      io.Closer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "photodate",
		Short:         "Restore photo capture dates from export sidecars",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logCloser, err = setupLogging(cfg, stderr)
			if err != nil {
				return fmt.Errorf("setup logging: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to photodate.yaml")

	root.AddCommand(
		a.restoreCmd(),
		a.scanCmd(),
		a.watchCmd(),
		a.undoCmd(),
		a.reportCmd(),
		a.verifyCmd(),
		a.versionCmd(),
	)
	return root
}

// writeFlags holds the flags shared by restore and watch.
type writeFlags struct {
	workers int
	dryRun  bool
	backup  bool
	audit   string
	outDir  string
}

func (w *writeFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&w.workers, "workers", 0, "parallel workers (default from config or CPU count)")
	cmd.Flags().BoolVar(&w.dryRun, "dry-run", false, "report what would change without writing")
	cmd.Flags().BoolVar(&w.backup, "backup", false, "keep a .orig copy of every rewritten image")
	cmd.Flags().StringVar(&w.audit, "audit", "", "audit log (jsonl)")
	cmd.Flags().StringVar(&w.outDir, "out-dir", "", "write rewritten images below this directory instead of in place")
}

// apply lets explicitly set flags override the loaded config.
func (w *writeFlags) apply(cmd *cobra.Command, cfg *config) {
	if cmd.Flags().Changed("workers") {
		cfg.Workers = w.workers
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = w.dryRun
	}
	if cmd.Flags().Changed("backup") {
		cfg.Backup = w.backup
	}
	if cmd.Flags().Changed("audit") {
		cfg.AuditLog = w.audit
	}
	if cmd.Flags().Changed("out-dir") {
		cfg.OutDir = w.outDir
	}
	cfg.applyDefaults()
}

func (a *app) runnerOptions(root string, metrics *common.Metrics) batch.Options {
	return batch.Options{
		Workers: a.cfg.Workers,
		DryRun:  a.cfg.DryRun,
		Backup:  a.cfg.Backup,
		OutDir:  a.cfg.OutDir,
		Root:    root,
		Audit:   common.NewPatchLog(a.cfg.AuditLog),
		Metrics: metrics,
	}
}

func (a *app) restoreCmd() *cobra.Command {
	var flags writeFlags
	var pdf bool
	var signKey string
	cmd := &cobra.Command{
		Use:   "restore <dir>",
		Short: "Pair sidecars with images under dir and write their dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &a.cfg)
			if cmd.Flags().Changed("sign-key") {
				a.cfg.SigningKey = signKey
			}
			return a.restore(cmd.Context(), args[0], pdf)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&pdf, "pdf", false, "also render the run summary as PDF")
	cmd.Flags().StringVar(&signKey, "sign-key", "", "RSA private key (PEM) used to sign the run manifest")
	return cmd
}

func (a *app) restore(ctx context.Context, root string, pdf bool) error {
	res, err := pairing.Walk(ctx, root)
	if err != nil {
		return err
	}
	for _, u := range res.Unmatched {
		common.Logf("unmatched sidecar %s: %s", u.Sidecar, u.Reason)
	}
	fmt.Fprintf(a.stdout, "Found %d pairs, %d unmatched sidecars, %d images without sidecar\n",
		len(res.Pairs), len(res.Unmatched), len(res.Orphans))

	metrics := common.NewMetrics()
	runner := batch.New(a.runnerOptions(root, metrics))
	stopProgress := common.StartProgressPrinter(a.stderr, metrics, 2*time.Second)
	started := time.Now()
	results := runner.Run(ctx, res.Pairs)
	stopProgress()

	summary := report.Summarize(runner.RunID(), started, time.Since(started), a.cfg.DryRun, results)
	runDir := filepath.Join(a.cfg.StateDir, runner.RunID())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	summaryPath := filepath.Join(runDir, "summary.json")
	if err := report.SaveJSON(summary, summaryPath); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	var written []string
	for _, r := range results {
		if r.Status == batch.StatusUpdated && !a.cfg.DryRun {
			written = append(written, r.Output)
		}
	}
	m, err := manifest.Build(written)
	if err != nil {
		return fmt.Errorf("manifest build: %w", err)
	}
	m.RunID = runner.RunID()
	manifestPath := filepath.Join(runDir, "manifest.json")
	if err := manifest.Save(m, manifestPath); err != nil {
		return fmt.Errorf("manifest save: %w", err)
	}
	if a.cfg.SigningKey != "" {
		sigPath, err := crypto.SignFile(manifestPath, a.cfg.SigningKey)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "Signature:", sigPath)
	}

	if pdf {
		hash, err := manifest.Hash(m)
		if err != nil {
			return err
		}
		lang, err := report.ParseLanguage(a.cfg.Lang)
		if err != nil {
			common.Logf("report language: %v", err)
		}
		if err := report.SavePDF(summary, hash, lang, filepath.Join(runDir, "report.pdf")); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
	}

	printSummary(a.stdout, summary)
	fmt.Fprintln(a.stdout, "Summary:", summaryPath)
	fmt.Fprintln(a.stdout, "Manifest:", manifestPath)
	if n := summary.ByStatus[string(batch.StatusFailed)]; n > 0 {
		return fmt.Errorf("%d of %d pairs failed", n, summary.Total)
	}
	return ctx.Err()
}

func printSummary(w io.Writer, s report.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", s.RunID)
	statuses := make([]string, 0, len(s.ByStatus))
	for k := range s.ByStatus {
		statuses = append(statuses, k)
	}
	sort.Strings(statuses)
	for _, k := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", k, s.ByStatus[k])
	}
	tw.Flush()
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s [%s]: %s\n", f.Image, f.Class, f.Error)
	}
}

func (a *app) scanCmd() *cobra.Command {
	var workers int
	var out string
	cmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Report which images already carry a capture date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("workers") {
				a.cfg.Workers = workers
			}
			reps, err := scan.Dir(cmd.Context(), args[0], a.cfg.Workers)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			for _, r := range reps {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Status, r.Taken, r.Path)
			}
			tw.Flush()
			tally := scan.Tally(reps)
			fmt.Fprintf(a.stdout, "%d dated, %d missing, %d unsupported, %d errors\n",
				tally[scan.StatusDated], tally[scan.StatusMissing], tally[scan.StatusUnsupported], tally[scan.StatusError])
			if out == "" {
				return nil
			}
			b, err := json.MarshalIndent(reps, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(out, b, 0o644)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel workers")
	cmd.Flags().StringVar(&out, "out", "", "write the scan as JSON")
	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	var flags writeFlags
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Restore dates for sidecars and images as they appear under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.apply(cmd, &a.cfg)
			root := args[0]
			runner := batch.New(a.runnerOptions(root, nil))
			w, err := watch.New(func(ctx context.Context, pair pairing.Filepair) {
				res := runner.Process(ctx, pair)
				common.Logf("%s %s (%s)", res.Status, pair.Image, res.Source)
			}, watch.DefaultDelay)
			if err != nil {
				return err
			}
			if err := w.Add(root); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Watching %s (run %s)\n", root, runner.RunID())
			return w.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) undoCmd() *cobra.Command {
	var audit string
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Put back the backups recorded in an audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if audit == "" {
				audit = a.cfg.AuditLog
			}
			entries, err := common.ReadPatchLog(audit)
			if err != nil {
				return fmt.Errorf("read audit: %w", err)
			}
			if len(entries) == 0 {
				return errors.New("audit log is empty")
			}
			outcomes, err := batch.Undo(entries)
			restored := 0
			for _, o := range outcomes {
				if o.Restored {
					restored++
					fmt.Fprintf(a.stdout, "restored %s\n", o.Image)
					continue
				}
				fmt.Fprintf(a.stdout, "skipped  %s: %s\n", o.Image, o.Reason)
			}
			fmt.Fprintf(a.stdout, "Restored %d of %d image(s)\n", restored, len(outcomes))
			return err
		},
	}
	cmd.Flags().StringVar(&audit, "audit", "", "audit log (jsonl)")
	return cmd
}

func (a *app) reportCmd() *cobra.Command {
	var summaryPath, pdfPath, lang, manifestPath string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a run summary as PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if summaryPath == "" || pdfPath == "" {
				return errors.New("required: --summary, --pdf")
			}
			s, err := report.LoadJSON(summaryPath)
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			if !cmd.Flags().Changed("lang") {
				lang = a.cfg.Lang
			}
			language, err := report.ParseLanguage(lang)
			if err != nil {
				return err
			}
			hash := ""
			if manifestPath != "" {
				m, err := manifest.Load(manifestPath)
				if err != nil {
					return err
				}
				if hash, err = manifest.Hash(m); err != nil {
					return err
				}
			}
			if err := report.SavePDF(s, hash, language, pdfPath); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}
			fmt.Fprintln(a.stdout, "Wrote PDF:", pdfPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&summaryPath, "summary", "", "summary.json of a run")
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "output PDF")
	cmd.Flags().StringVar(&lang, "lang", "en", "report language (en, tr)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest.json whose hash is printed")
	return cmd
}

func (a *app) verifyCmd() *cobra.Command {
	var manifestPath, jwsPath, keyPath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a run manifest against the files on disk and its signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath == "" {
				return errors.New("required: --manifest")
			}
			if keyPath != "" {
				if jwsPath == "" {
					jwsPath = manifestPath + ".jws"
				}
				payload, err := os.ReadFile(manifestPath)
				if err != nil {
					return err
				}
				raw, err := os.ReadFile(jwsPath)
				if err != nil {
					return fmt.Errorf("read jws: %w", err)
				}
				var sig crypto.JWS
				if err := json.Unmarshal(raw, &sig); err != nil {
					return fmt.Errorf("parse jws: %w", err)
				}
				key, err := os.ReadFile(keyPath)
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				if err := crypto.VerifyDetachedJWS(payload, sig, key); err != nil {
					return fmt.Errorf("signature: %w", err)
				}
				fmt.Fprintln(a.stdout, "Signature OK")
			}
			m, err := manifest.Load(manifestPath)
			if err != nil {
				return err
			}
			if err := manifest.Verify(m); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Manifest OK: %d file(s)\n", len(m.Items))
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "manifest.json of a run")
	cmd.Flags().StringVar(&jwsPath, "jws", "", "detached signature (defaults to <manifest>.jws)")
	cmd.Flags().StringVar(&keyPath, "key", "", "public or private key (PEM) to check the signature with")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "photodate %s (built %s)\n", version, buildDate)
		},
	}
}
