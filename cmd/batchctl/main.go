// Copyright 2025 James Ross

// Command batchctl is the admin CLI for a running batchforge
// deployment: backlog stats, pending/batch peeking, cancellation,
// resubmission of failed requests, a live status watch, and a
// synthetic-load bench subcommand. Adapted from the teacher's
// cmd/job-queue-system's "-role admin -admin-cmd ..." surface into a
// standalone subcommand binary, using pflag/color/progressbar the way
// vjache-cie's CLI does (spec's richer admin-CLI stack).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/batchforge/batchforge/internal/admin"
	"github.com/batchforge/batchforge/internal/config"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/query"
	"github.com/batchforge/batchforge/internal/redisclient"
	"github.com/batchforge/batchforge/internal/store"
	"github.com/batchforge/batchforge/internal/store/memstore"
	"github.com/batchforge/batchforge/internal/store/pgstore"
	"github.com/batchforge/batchforge/internal/store/redisstore"
	"github.com/batchforge/batchforge/internal/stream"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "version" {
		fmt.Println(version)
		return
	}

	var configPath string
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")

	switch cmd {
	case "stats":
		_ = fs.Parse(args)
		runStats(fs, configPath)
	case "peek":
		n := fs.Int("n", 10, "number of pending requests to show")
		_ = fs.Parse(args)
		runPeek(fs, configPath, *n)
	case "cancel":
		_ = fs.Parse(args)
		runCancel(fs, configPath, fs.Args())
	case "resubmit":
		endpoint := fs.String("endpoint", "", "endpoint to resubmit against")
		_ = fs.Parse(args)
		runResubmit(fs, configPath, *endpoint, fs.Args())
	case "batch":
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: batchctl batch <batch-id>")
			os.Exit(2)
		}
		runBatchInfo(fs, configPath, fs.Arg(0))
	case "watch":
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: batchctl watch <request-id>")
			os.Exit(2)
		}
		runWatch(fs, configPath, fs.Arg(0))
	case "bench":
		endpoint := fs.String("endpoint", "http://localhost:8080", "endpoint to submit synthetic requests against")
		model := fs.String("model", "gpt-4", "model to target")
		path := fs.String("path", "/v1/ping", "HTTP path to submit")
		count := fs.Int("count", 1000, "number of synthetic requests")
		timeout := fs.Duration("timeout", 60*time.Second, "max time to wait for completion")
		_ = fs.Parse(args)
		runBench(fs, configPath, *endpoint, *model, *path, *count, *timeout)
	case "upload":
		purpose := fs.String("purpose", "batch", "file purpose: batch|batch_output")
		expires := fs.Int64("expires-seconds", 0, "optional expiry, 0 means never")
		uploader := fs.String("uploader", "", "uploader id")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: batchctl upload <path-to-jsonl> [flags]")
			os.Exit(2)
		}
		runUpload(fs, configPath, fs.Arg(0), *purpose, *expires, *uploader)
	case "create-batch":
		endpoint := fs.String("endpoint", "", "optional endpoint override for the batch record")
		window := fs.String("window", "24h", "completion window, e.g. 24h")
		creator := fs.String("creator", "", "creator id")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: batchctl create-batch <file-id> [flags]")
			os.Exit(2)
		}
		runCreateBatch(fs, configPath, fs.Arg(0), *endpoint, *window, *creator)
	case "get-file":
		out := fs.String("out", "", "path to write file content to, default stdout")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: batchctl get-file <file-id> [flags]")
			os.Exit(2)
		}
		runGetFile(fs, configPath, fs.Arg(0), *out)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: batchctl <stats|peek|cancel|resubmit|batch|watch|bench|upload|create-batch|get-file|version> [flags]")
}

func openStorage(cfg *config.Config) store.Storage {
	switch cfg.StorageBackend {
	case config.StorageBackendPostgres:
		st, err := pgstore.Open(cfg)
		if err != nil {
			fatal("storage open: %v", err)
		}
		return st
	case config.StorageBackendRedis:
		return redisstore.New(redisclient.New(cfg))
	default:
		return memstore.New()
	}
}

func loadConfig(configPath string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal("config load: %v", err)
	}
	return cfg
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString(format, args...))
	os.Exit(1)
}

func runStats(fs *flag.FlagSet, configPath string) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()

	stats, err := admin.Stats(context.Background(), st)
	if err != nil {
		fatal("stats: %v", err)
	}
	fmt.Println(color.CyanString("total pending: %d", stats.TotalPending))
	for model, n := range stats.PendingByModel {
		fmt.Printf("  %-30s %d\n", model, n)
	}
}

func runPeek(fs *flag.FlagSet, configPath string, n int) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()

	rows, err := admin.Peek(context.Background(), st, n)
	if err != nil {
		fatal("peek: %v", err)
	}
	for _, p := range rows {
		fmt.Printf("%s  model=%s  retry=%d  created=%s\n", p.ID, p.Model, p.RetryAttempt, p.CreatedAt.Format(time.RFC3339))
	}
}

func runCancel(fs *flag.FlagSet, configPath string, ids []string) {
	if len(ids) == 0 {
		fatal("cancel: at least one request id required")
	}
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	for _, r := range admin.CancelAll(context.Background(), e, ids) {
		if r.Err != nil {
			fmt.Println(color.RedString("%s: %v", r.ID, r.Err))
			continue
		}
		fmt.Println(color.GreenString("%s: canceled", r.ID))
	}
}

func runResubmit(fs *flag.FlagSet, configPath, endpoint string, ids []string) {
	if endpoint == "" || len(ids) == 0 {
		fatal("resubmit: --endpoint and at least one request id required")
	}
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	for _, r := range admin.Resubmit(context.Background(), e, st, endpoint, ids) {
		if r.Err != nil {
			fmt.Println(color.RedString("%s: %v", r.OldID, r.Err))
			continue
		}
		fmt.Println(color.GreenString("%s -> %s", r.OldID, r.NewID))
	}
}

func runBatchInfo(fs *flag.FlagSet, configPath, batchID string) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()

	summary, err := admin.BatchInfo(context.Background(), st, batchID)
	if err != nil {
		fatal("batch info: %v", err)
	}
	fmt.Printf("batch %s  phase=%s  total=%d  pending=%d  claimed=%d  processing=%d  completed=%d  failed=%d  canceled=%d\n",
		summary.Batch.ID, summary.Status.Phase(), summary.Status.Total, summary.Status.Pending,
		summary.Status.Claimed, summary.Status.Processing, summary.Status.Completed,
		summary.Status.Failed, summary.Status.Canceled)
}

func runWatch(fs *flag.FlagSet, configPath, requestID string) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events, unsubscribe := admin.WatchRequest(ctx, e, requestID)
	defer unsubscribe()
	for ev := range events {
		fmt.Printf("%s  %s\n", ev.At.Format(time.RFC3339), color.YellowString(string(ev.State)))
	}
}

func runBench(fs *flag.FlagSet, configPath, endpoint, model, path string, count int, timeout time.Duration) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	bar := progressbar.Default(int64(count), "submitting")
	go func() {
		// Bench submits everything up front; the bar tracks the
		// initial submission burst, not the completion wait.
		bar.Add(count)
	}()

	res, err := admin.Bench(context.Background(), e, endpoint, model, path, count, timeout)
	if err != nil {
		fatal("bench: %v", err)
	}
	fmt.Printf("completed=%d failed=%d duration=%s throughput=%.1f/s p50=%s p95=%s\n",
		res.Completed, res.Failed, res.Duration, res.Throughput, res.P50, res.P95)
}

func runUpload(fs *flag.FlagSet, configPath, path, purpose string, expiresSeconds int64, uploader string) {
	content, err := os.ReadFile(path)
	if err != nil {
		fatal("read %s: %v", path, err)
	}

	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	bar := progressbar.DefaultBytes(int64(len(content)), "uploading")
	_ = bar.Add(len(content))

	var expires *int64
	if expiresSeconds > 0 {
		expires = &expiresSeconds
	}
	fileID, err := e.UploadFile(context.Background(), filepath.Base(path), files.Purpose(purpose), content, expires, uploader)
	if err != nil {
		fatal("upload: %v", err)
	}
	fmt.Println(color.GreenString("file id: %s", fileID))
}

func runCreateBatch(fs *flag.FlagSet, configPath, fileID, endpoint, window, creator string) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	batchID, err := e.CreateBatch(context.Background(), fileID, endpoint, window, creator)
	if err != nil {
		fatal("create batch: %v", err)
	}
	fmt.Println(color.GreenString("batch id: %s", batchID))
}

func runGetFile(fs *flag.FlagSet, configPath, fileID, out string) {
	cfg := loadConfig(configPath)
	st := openStorage(cfg)
	defer st.Close()
	e := query.New(st, stream.NewHub(cfg.Stream.BufferSize, nil))

	content, err := e.GetFileContent(context.Background(), fileID)
	if err != nil {
		fatal("get file content: %v", err)
	}
	if out == "" {
		os.Stdout.Write(content)
		return
	}
	if err := os.WriteFile(out, content, 0o644); err != nil {
		fatal("write %s: %v", out, err)
	}
}
