package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"media-rescue/internal/app"
	"media-rescue/internal/domain/entity"
)

// runFunc executes a parsed command.
type runFunc func(ctx context.Context, a *app.App, args []string, out io.Writer) error

// command builds a fresh flag set and the function running it.
type command func() (*flag.FlagSet, runFunc)

var commands = map[string]command{
	"download":   downloadCommand,
	"retry":      retryCommand,
	"recover":    recoverCommand,
	"deadletter": deadLetterCommand,
	"stats":      statsCommand,
}

func downloadCommand() (*flag.FlagSet, runFunc) {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	dir := fs.String("dir", "", "destination directory (default: download.dir from config)")
	concurrency := fs.Int("concurrency", 4, "parallel downloads")
	file := fs.String("file", "", "read URLs from this file, one per line")
	output := fs.String("output", "text", "output format: text or json")

	return fs, func(ctx context.Context, a *app.App, args []string, out io.Writer) error {
		urls := args
		if *file != "" {
			f, err := os.Open(*file)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			fromFile, err := readURLs(f)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("%w: download needs at least one URL", errUsage)
		}
		dest := *dir
		if dest == "" {
			dest = a.Config.Download.Dir
		}

		coord := a.NewCoordinator()
		outcomes := make([]entity.DownloadOutcome, len(urls))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(*concurrency, 1))
		for i, u := range urls {
			g.Go(func() error {
				outcomes[i] = coord.Download(gctx, u, dest)
				return nil
			})
		}
		_ = g.Wait()

		if *output == "json" {
			return writeJSON(out, map[string]any{
				"results": downloadResults(urls, outcomes),
				"stats":   coord.Stats(),
			})
		}
		printOutcomes(out, urls, outcomes)
		st := coord.Stats()
		fmt.Fprintf(out, "\n%d succeeded, %d failed, %d recovered, %d queued for retry\n",
			st.Successes, st.Failures, st.Recovered, st.LedgerWrites)
		return nil
	}
}

func retryCommand() (*flag.FlagSet, runFunc) {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "maximum items to process (default: download.retry_batch_size)")

	return fs, func(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
		stats, err := a.NewCoordinator().ProcessPendingRetries(ctx, a.Config.Download.Dir, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "processed %d: %d successful, %d failed, %d skipped\n",
			stats.Processed, stats.Successful, stats.Failed, stats.Skipped)
		return nil
	}
}

func recoverCommand() (*flag.FlagSet, runFunc) {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	output := fs.String("output", "text", "output format: text or json")

	return fs, func(ctx context.Context, a *app.App, args []string, out io.Writer) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: recover needs exactly one URL", errUsage)
		}
		res := a.Recovery.AttemptRecovery(ctx, args[0], "manual lookup")
		if *output == "json" {
			return writeJSON(out, res)
		}
		if !res.Success {
			fmt.Fprintf(out, "no archived copy found: %s\n", res.ErrorMessage)
			return nil
		}
		fmt.Fprintf(out, "provider: %s\nquality:  %s\nurl:      %s\n", res.Provider, res.Quality, res.RecoveredURL)
		if res.FromCache {
			fmt.Fprintln(out, "(from cache)")
		}
		return nil
	}
}

func deadLetterCommand() (*flag.FlagSet, runFunc) {
	fs := flag.NewFlagSet("deadletter", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum items to list or export")
	output := fs.String("output", "text", "output format for list: text or json")
	file := fs.String("o", "", "export destination (default: stdout)")

	return fs, func(ctx context.Context, a *app.App, args []string, out io.Writer) error {
		if len(args) == 0 {
			return fmt.Errorf("%w: deadletter needs list, export or requeue", errUsage)
		}
		switch args[0] {
		case "list":
			items, err := a.Ledger.DeadLetters(ctx, *limit)
			if err != nil {
				return err
			}
			if *output == "json" {
				return writeJSON(out, items)
			}
			printDeadLetters(out, items)
			return nil

		case "export":
			w := out
			if *file != "" {
				f, err := os.Create(*file)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			n, err := a.Ledger.ExportDeadLetters(ctx, w, *limit)
			if err != nil {
				return err
			}
			if *file != "" {
				fmt.Fprintf(out, "exported %d items to %s\n", n, *file)
			}
			return nil

		case "requeue":
			if len(args) != 3 {
				return fmt.Errorf("%w: deadletter requeue needs URL and SERVICE", errUsage)
			}
			ok, err := a.Ledger.Requeue(ctx, args[1], args[2])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no dead-letter item for %s (%s)", args[1], args[2])
			}
			fmt.Fprintf(out, "requeued %s\n", args[1])
			return nil

		default:
			return fmt.Errorf("%w: unknown deadletter action %q", errUsage, args[0])
		}
	}
}

func statsCommand() (*flag.FlagSet, runFunc) {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	output := fs.String("output", "text", "output format: text or json")
	since := fs.Duration("since", 24*time.Hour, "recovery statistics window")

	return fs, func(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
		queue, err := a.Ledger.Stats(ctx)
		if err != nil {
			return err
		}
		cache, err := a.Recovery.CacheStats(ctx)
		if err != nil {
			return err
		}
		rec, err := a.Recovery.Stats(ctx, time.Now().Add(-*since))
		if err != nil {
			return err
		}
		breakers := a.Breakers.Snapshots()

		if *output == "json" {
			return writeJSON(out, map[string]any{
				"ledger":   queue,
				"cache":    cache,
				"recovery": rec,
				"breakers": breakers,
			})
		}

		fmt.Fprintf(out, "Ledger: %d ready, %d dead letter\n", queue.ReadyCount, queue.DeadLetterCount)
		for status, n := range queue.ByStatus {
			fmt.Fprintf(out, "  %-18s %d\n", status, n)
		}
		fmt.Fprintf(out, "Cache: %d entries (%d negative, %d expired), %d bytes\n",
			cache.Entries, cache.Negative, cache.Expired, cache.SizeBytes)
		fmt.Fprintf(out, "Recovery (last %s): %d attempts, %d successes, %d failures\n",
			*since, rec.TotalAttempts, rec.Successes, rec.Failures)
		for name, p := range rec.Providers {
			fmt.Fprintf(out, "  %-18s %+v\n", name, p)
		}
		if len(breakers) > 0 {
			fmt.Fprintln(out, "Breakers:")
			for _, b := range breakers {
				fmt.Fprintf(out, "  %-18s %-9s failures=%d\n", b.Service, b.State, b.ConsecutiveFailures)
			}
		}
		return nil
	}
}

// readURLs returns the non-blank lines of r that are not comments.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

type downloadResult struct {
	URL           string `json:"url"`
	Status        string `json:"status"`
	Path          string `json:"path,omitempty"`
	Error         string `json:"error,omitempty"`
	Service       string `json:"service,omitempty"`
	Bytes         int64  `json:"bytes"`
	RecoveredFrom string `json:"recovered_from,omitempty"`
	Quality       string `json:"quality,omitempty"`
}

func downloadResults(urls []string, outcomes []entity.DownloadOutcome) []downloadResult {
	out := make([]downloadResult, len(urls))
	for i, o := range outcomes {
		out[i] = downloadResult{
			URL:           urls[i],
			Status:        string(o.Status),
			Path:          o.LocalPath,
			Error:         o.ErrorMessage,
			Service:       o.Service,
			Bytes:         o.BytesTransferred,
			RecoveredFrom: o.RecoveredFrom,
			Quality:       string(o.Quality),
		}
	}
	return out
}

func printOutcomes(w io.Writer, urls []string, outcomes []entity.DownloadOutcome) {
	for i, o := range outcomes {
		switch {
		case o.OK() && o.RecoveredFrom != "":
			fmt.Fprintf(w, "RECOVERED %s -> %s (%s, %s)\n", urls[i], o.LocalPath, o.RecoveredFrom, o.Quality)
		case o.OK():
			fmt.Fprintf(w, "OK        %s -> %s\n", urls[i], o.LocalPath)
		default:
			fmt.Fprintf(w, "FAILED    %s: %s\n", urls[i], o.ErrorMessage)
		}
	}
}

func printDeadLetters(w io.Writer, items []*entity.DeadLetterItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no dead-letter items")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "%s  %-16s retries=%d  %s\n    %s\n",
			it.MovedAt.Format(time.RFC3339), it.ServiceName, it.RetryCount, it.URL, it.ErrorMessage)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
