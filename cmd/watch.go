package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/procctl/internal/broadcast"
	"github.com/zjrosen/procctl/internal/config"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/process"
	"github.com/zjrosen/procctl/internal/watcher"
)

var (
	watchInterval    time.Duration
	watchCount       int
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run processes continuously and print every lifecycle broadcast",
	Long: `Start a process on every tick and print each state transition as it
is broadcast. The log level is reloaded whenever the config file changes.
With metrics enabled, /metrics is served on metrics.addr.

Examples:
  procctl watch
  procctl watch --interval 200ms --count 5
  procctl watch --metrics-addr 127.0.0.1:9464`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "delay between process launches")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "stop after this many processes finish (0 runs until interrupted)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve /metrics here (default: metrics.addr when metrics.enabled)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if watchInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if addr := metricsAddr(); addr != "" {
		shutdown := serveMetrics(rt, addr)
		defer shutdown()
	}

	if path := viper.ConfigFileUsed(); path != "" {
		stopWatch, err := watchConfig(ctx, path)
		if err != nil {
			log.Warn(log.CatWatcher, "config hot reload disabled", "error", err)
		} else {
			defer stopWatch()
		}
	}

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	finished := make(chan message.Pid, 64)
	tracker := broadcast.NewStateTracker(func(tr broadcast.Transition) {
		outMu.Lock()
		printTransition(out, tr)
		outMu.Unlock()
		if tr.To.IsTerminal() {
			select {
			case finished <- tr.Sender:
			default:
			}
		}
	})
	defer broadcast.Subscribe(rt.comm, tracker.Observe, broadcast.WithSubjectPrefix(message.SubjectPrefix))()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	launched, done := 0, 0
	launch := func() error {
		if watchCount > 0 && launched >= watchCount {
			return nil
		}
		launched++
		m := process.New(rt.lp, rt.comm, process.Dummy(),
			process.WithDescription(fmt.Sprintf("watch-%d", launched)))
		return m.Start()
	}

	if err := launch(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-finished:
			done++
			if watchCount > 0 && done >= watchCount {
				return nil
			}
		case <-ticker.C:
			if err := launch(); err != nil {
				return err
			}
		}
	}
}

func printTransition(w io.Writer, tr broadcast.Transition) {
	from := dimStyle.Render("None")
	if tr.From != nil {
		from = tr.From.String()
	}
	to := okStyle.Render(tr.To.String())
	if tr.To == process.Excepted || tr.To == process.Killed {
		to = failStyle.Render(tr.To.String())
	}
	_, _ = fmt.Fprintf(w, "%s %s %s -> %s\n",
		dimStyle.Render(time.Now().Format("15:04:05.000")), pidStyle.Render(tr.Sender.String()), from, to)
}

func metricsAddr() string {
	if watchMetricsAddr != "" {
		return watchMetricsAddr
	}
	if cfg.Metrics.Enabled {
		return cfg.Metrics.Addr
	}
	return ""
}

func serveMetrics(rt *runtime, addr string) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.SafeGo("metrics.serve", func() {
		log.Info(log.CatCLI, "serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatCLI, "metrics server stopped", err)
		}
	})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// watchConfig reloads the log level each time path changes.
func watchConfig(ctx context.Context, path string) (stop func(), err error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	done := make(chan struct{})
	log.SafeGo("config.reload", func() {
		for {
			select {
			case <-changes:
				if _, err := config.Reload(viper.GetViper()); err != nil {
					log.Warn(log.CatConfig, "config reload failed", "path", path, "error", err)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	})

	return func() {
		close(done)
		_ = w.Stop()
	}, nil
}
