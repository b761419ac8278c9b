package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/yourorg/candle-cache/internal/client"
	"github.com/yourorg/candle-cache/internal/model"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	url      string
	interval time.Duration
	format   string
	process  string
	refresh  string
	once     bool
}

func main() {
	var opts options
	pflag.StringVar(&opts.url, "url", "http://localhost:8080", "base URL of the candle cache service")
	pflag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval")
	pflag.StringVar(&opts.format, "format", "table", "output format: table or json")
	pflag.StringVar(&opts.process, "process", "all", "process to watch: all, builder or rebuilder")
	pflag.StringVar(&opts.refresh, "refresh", "", "start a rebuild of this scope (\"all\" for everything) and watch it finish")
	pflag.BoolVar(&opts.once, "once", false, "print the status once and exit")
	pflag.Parse()

	if opts.format != "table" && opts.format != "json" {
		log.Fatalf("unknown format %q", opts.format)
	}
	if opts.process != "all" && !model.ProcessKind(opts.process).Valid() {
		log.Fatalf("unknown process %q", opts.process)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	statusClient := client.NewStatusClient(opts.url, logger)

	if opts.refresh != "" {
		scope := opts.refresh
		if scope == "all" {
			scope = ""
		}
		resp, err := statusClient.Refresh(ctx, scope)
		if err != nil {
			logger.Fatal("Failed to start rebuild", zap.Error(err))
		}
		logger.Info("Rebuild started", zap.String("run_id", resp.RunID), zap.String("scope", resp.Scope))
	}

	if err := watch(ctx, statusClient, opts, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Fatal("Monitor stopped", zap.Error(err))
	}
}

// watch polls the service and prints every status change until ctx ends.
// A watch started with --refresh ends when the rebuild finishes.
func watch(ctx context.Context, c *client.StatusClient, opts options, out io.Writer) error {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	var last string
	for {
		statuses, err := c.GetAllStatus(ctx)
		if err != nil {
			return err
		}
		selected := filter(statuses, opts.process)

		snapshot, err := json.Marshal(selected)
		if err != nil {
			return err
		}
		if string(snapshot) != last {
			last = string(snapshot)
			if err := render(out, selected, opts.format); err != nil {
				return err
			}
		}

		if opts.once {
			return nil
		}
		if opts.refresh != "" {
			if rb := statuses[model.ProcessRebuilder]; !rb.IsActive && rb.Result != "" {
				if rb.Result != "completed" {
					return fmt.Errorf("rebuild %s: %s", rb.Result, rb.LastError)
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func filter(statuses map[model.ProcessKind]model.ProcessStatus, process string) map[model.ProcessKind]model.ProcessStatus {
	if process == "all" {
		return statuses
	}
	kind := model.ProcessKind(process)
	return map[model.ProcessKind]model.ProcessStatus{kind: statuses[kind]}
}

func render(out io.Writer, statuses map[model.ProcessKind]model.ProcessStatus, format string) error {
	if format == "json" {
		return json.NewEncoder(out).Encode(statuses)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "%s\tPROCESS\tACTIVE\tSCOPE\tRESULT\tDESCRIPTION\n", time.Now().Format(time.TimeOnly))
	for _, kind := range model.ProcessKinds {
		s, ok := statuses[kind]
		if !ok {
			continue
		}
		scope := "-"
		if s.Scope != nil {
			scope = *s.Scope
		}
		result := s.Result
		if result == "" {
			result = "-"
		}
		fmt.Fprintf(w, "\t%s\t%t\t%s\t%s\t%s\n", kind, s.IsActive, scope, result, s.Description)
	}
	return w.Flush()
}
