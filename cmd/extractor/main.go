package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/app"
	"github.com/shpitdev/mail-attachment-pipeline/internal/config"
	"github.com/shpitdev/mail-attachment-pipeline/internal/logging"
	"github.com/shpitdev/mail-attachment-pipeline/internal/server"
	"github.com/shpitdev/mail-attachment-pipeline/internal/version"
	"github.com/shpitdev/mail-attachment-pipeline/internal/workflow"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/io/local"
	"github.com/shpitdev/mail-attachment-pipeline/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "serve":
		os.Exit(runServe(ctx, os.Args[2:]))
	case "ingest":
		os.Exit(runIngest(ctx, os.Args[2:]))
	case "resume":
		os.Exit(runResume(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// pipelineFlags registers the flags shared by every command. Flags override env and file.
func pipelineFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.IntVar(&cfg.Pipeline.Workers, "workers", cfg.Pipeline.Workers, "Concurrent attachments per message (env: WORKERS)")
	fs.IntVar(&cfg.Pipeline.MaxRetries, "max-retries", cfg.Pipeline.MaxRetries, "Extra attempts per attachment after a failure (env: MAX_RETRIES)")
	fs.DurationVar(&cfg.Pipeline.RetryDelay, "retry-delay", cfg.Pipeline.RetryDelay, "Fixed delay between attempts (env: RETRY_DELAY)")
	fs.DurationVar(&cfg.Pipeline.RequestTimeout, "request-timeout", cfg.Pipeline.RequestTimeout, "Per-attempt timeout (env: REQUEST_TIMEOUT)")
	fs.Float64Var(&cfg.Pipeline.RateLimitRPS, "rate-limit-rps", cfg.Pipeline.RateLimitRPS, "Global attempt rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.BoolVar(&cfg.Pipeline.SkipPostOnUploadFailure, "skip-post-on-upload-failure", cfg.Pipeline.SkipPostOnUploadFailure, "Do not post a result whose file upload failed (env: SKIP_POST_ON_UPLOAD_FAILURE)")
	fs.StringVar(&cfg.Gemini.Model, "gemini-model", cfg.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.StringVar(&cfg.Gemini.BaseURL, "gemini-base-url", cfg.Gemini.BaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
	fs.StringVar(&cfg.MIMEParser, "mime-parser", cfg.MIMEParser, "MIME parser: enmime|gomessage (env: MIME_PARSER)")
	fs.StringVar(&cfg.Checkpoint.Backend, "checkpoint-backend", cfg.Checkpoint.Backend, "Checkpoint store: memory|redis|sqlite|datastore (env: CHECKPOINT_BACKEND)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (env: LOG_LEVEL)")
}

func setup(ctx context.Context, name string, args []string, extra func(*flag.FlagSet)) (*app.App, config.Config, int) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return nil, cfg, 2
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	pipelineFlags(fs, &cfg)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, cfg, 2
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return nil, cfg, 2
	}
	a, err := app.Build(ctx, cfg, logger.With(zap.String("version", version.Current)))
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return nil, cfg, 2
	}
	return a, cfg, 0
}

func runServe(ctx context.Context, args []string) int {
	addr := ""
	a, cfg, code := setup(ctx, "serve", args, func(fs *flag.FlagSet) {
		fs.StringVar(&addr, "addr", "", "Listen address (default :$PORT)")
	})
	if a == nil {
		return code
	}
	defer func() {
		_ = a.Close()
	}()

	if addr == "" {
		addr = ":" + cfg.Port
	}

	runs, err := a.Engine.ResumePending(ctx)
	if err != nil {
		a.Logger.Error("resume pending runs failed", zap.String("error", redact.Secrets(err.Error())))
	} else if len(runs) > 0 {
		a.Logger.Info("resuming pending runs", zap.Int("runs", len(runs)))
	}

	if err := server.Serve(ctx, addr, a.Handler(), a.Logger); err != nil {
		a.Logger.Error("server error", zap.Error(err))
		return 1
	}
	return 0
}

func runIngest(ctx context.Context, args []string) int {
	var path, report string
	a, _, code := setup(ctx, "ingest", args, func(fs *flag.FlagSet) {
		fs.StringVar(&path, "file", "-", "Raw RFC 822 message to ingest, or - for stdin")
		fs.StringVar(&report, "report", "", "Optional CSV path for a per-attachment report")
	})
	if a == nil {
		return code
	}
	defer func() {
		_ = a.Close()
	}()

	var in io.Reader = os.Stdin
	size := int64(-1)
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "open message: %v\n", err)
			return 2
		}
		defer func() {
			_ = f.Close()
		}()
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
		in = f
	}

	receipt, run, err := a.Ingestor.Receive(ctx, in, size)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ingest failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	a.Logger.Info("ingested", zap.String("run", receipt.RunID), zap.String("workflow", receipt.Workflow))
	return printResults(ctx, []*workflow.Run{run}, report)
}

func runResume(ctx context.Context, args []string) int {
	var runID, runsCSV, report string
	a, _, code := setup(ctx, "resume", args, func(fs *flag.FlagSet) {
		fs.StringVar(&runID, "run", "", "Run id to resume (default: every pending run)")
		fs.StringVar(&runsCSV, "runs-csv", "", "CSV file with a run_id column listing runs to resume")
		fs.StringVar(&report, "report", "", "Optional CSV path for a per-attachment report")
	})
	if a == nil {
		return code
	}
	defer func() {
		_ = a.Close()
	}()

	var runs []*workflow.Run
	switch {
	case runID != "":
		runs = []*workflow.Run{a.Engine.Resume(runID)}
	case runsCSV != "":
		f, err := os.Open(runsCSV)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "open runs csv: %v\n", err)
			return 2
		}
		ids, err := local.ReadColumnCSV(f, "run_id")
		_ = f.Close()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "read runs csv: %v\n", err)
			return 2
		}
		for _, id := range ids {
			runs = append(runs, a.Engine.Resume(id))
		}
	default:
		var err error
		runs, err = a.Engine.ResumePending(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "list pending runs: %s\n", redact.Secrets(err.Error()))
			return 1
		}
	}
	return printResults(ctx, runs, report)
}

func printResults(ctx context.Context, runs []*workflow.Run, reportPath string) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	code := 0
	var rows [][]string
	for _, r := range runs {
		res, err := r.Wait(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "run %s: %s\n", r.ID, redact.Secrets(err.Error()))
			code = 1
			if res.RunID == "" {
				continue
			}
		}
		_ = enc.Encode(res)
		rows = append(rows, res.Rows()...)
	}

	if reportPath != "" {
		if err := writeReport(reportPath, rows); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write report: %v\n", err)
			return 1
		}
	}
	return code
}

func writeReport(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := local.WriteCSV(f, workflow.ReportHeader, rows); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `extractor: email attachment extraction pipeline

Usage:
  extractor <command> [flags]

Commands:
  serve    Accept raw messages on POST /receive (resumes pending runs on start)
  ingest   Run one raw message from a file or stdin and print the result
  resume   Resume one run (--run) or every pending run and print the results
  version  Print the version

Examples:
  extractor serve --addr :8080
  extractor ingest --file message.eml --report report.csv
  extractor resume --runs-csv runs.csv

Environment (Gemini):
  GEMINI_API_KEY      Gemini API key (required)
  GEMINI_MODEL        Gemini model name (required)
  GEMINI_BASE_URL     Optional base URL override (proxies/testing)
  CF_ACCOUNT_ID       AI gateway account (with GATEWAY_NAME, used when no base URL is set)
  GATEWAY_NAME        AI gateway name

Environment (downstream):
  CF_POSTURL               Upload and result endpoint (required)
  CF_ACCESS_CLIENT_ID      Access client id header value
  CF_ACCESS_CLIENT_SECRET  Access client secret header value
  DEFAULT_CA_PATH          Optional PEM bundle trusted for TLS

Environment (checkpoints):
  CHECKPOINT_BACKEND    memory|redis|sqlite|datastore (default memory)
  REDIS_URL             redis:// URL for the redis backend
  SQLITE_PATH           Database file for the sqlite backend
  DATASTORE_PROJECT_ID  Project for the datastore backend

Environment (server):
  PORT                Listen port for serve (default 8080)
  MAX_MESSAGE_BYTES   Largest accepted raw message; larger bodies get 413 (default 33554432)

Settings may also come from .env and from a YAML file named by CONFIG_PATH.
`)
}
