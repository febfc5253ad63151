package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/procctl/internal/broadcast"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/process"
)

var (
	demoProcesses   int
	demoTimeout     time.Duration
	demoDumpMetrics bool
)

// demoLifecycle is the walk every demo process takes.
var demoLifecycle = []process.State{
	process.Created, process.Running, process.Waiting,
	process.Paused, process.Waiting, process.Killed,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Drive pause, play, status and kill against in-memory processes",
	Long: `Start a set of processes that wait for a signal, then drive each one
through pause, status, play and kill from concurrent goroutines using the
thread controller. Prints every result and checks the lifecycle broadcasts
each process emitted.

Examples:
  procctl demo
  procctl demo --processes 10 --timeout 2s
  procctl demo --metrics`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVarP(&demoProcesses, "processes", "n", 3, "number of processes to start")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 0, "per-call result timeout (default: controller.timeout)")
	demoCmd.Flags().BoolVar(&demoDumpMetrics, "metrics", false, "print prometheus metrics when done")
	rootCmd.AddCommand(demoCmd)
}

type demoResult struct {
	pid   message.Pid
	steps []string
	err   error
}

func runDemo(cmd *cobra.Command, _ []string) error {
	if demoProcesses < 1 {
		return fmt.Errorf("--processes must be at least 1")
	}
	timeout := demoTimeout
	if timeout <= 0 {
		timeout = cfg.Controller.Timeout
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec := broadcast.NewRecorder()
	unsubscribe := broadcast.Subscribe(rt.comm, rec.Record, broadcast.WithSubjectPrefix(message.SubjectPrefix))
	defer unsubscribe()
	tracker := broadcast.NewStateTracker(nil)
	defer broadcast.Subscribe(rt.comm, tracker.Observe)()

	machines := make([]*process.Machine, demoProcesses)
	for i := range machines {
		m := process.New(rt.lp, rt.comm, process.WaitForSignal(),
			process.WithDescription(fmt.Sprintf("demo-%d", i+1)))
		if err := m.Start(); err != nil {
			return err
		}
		machines[i] = m
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	for _, m := range machines {
		if err := tracker.WaitForState(waitCtx, m.Pid(), process.Waiting); err != nil {
			return err
		}
	}

	results := make([]demoResult, len(machines))
	g, _ := errgroup.WithContext(ctx)
	for i, m := range machines {
		g.Go(func() error {
			results[i] = drive(rt, m.Pid(), timeout)
			return results[i].err
		})
	}
	runErr := g.Wait()

	// Kill broadcasts may still be in flight when the last result arrives.
	expected, err := broadcast.ExpectedSubjects(demoLifecycle)
	if err != nil {
		return err
	}
	_ = rec.WaitForCount(waitCtx, len(expected)*len(machines))

	out := cmd.OutOrStdout()
	printDemo(out, results, rec, expected)

	if demoDumpMetrics {
		if err := dumpMetrics(out, rt); err != nil {
			return err
		}
	}
	return runErr
}

// drive runs one process through pause, status, play and kill.
func drive(rt *runtime, pid message.Pid, timeout time.Duration) demoResult {
	res := demoResult{pid: pid}
	step := func(name string, ok bool, err error) bool {
		if err != nil {
			res.steps = append(res.steps, fmt.Sprintf("%s %s: %v", mark(false), name, err))
			res.err = fmt.Errorf("%s %s: %w", name, pid, err)
			return false
		}
		res.steps = append(res.steps, fmt.Sprintf("%s %s -> %v", mark(ok), name, ok))
		return true
	}

	ok, err := rt.thread.PauseProcess(pid).Result(timeout)
	if !step("pause", ok, err) {
		return res
	}

	status, err := rt.thread.GetStatus(pid).Result(timeout)
	if err != nil {
		step("status", false, err)
		return res
	}
	res.steps = append(res.steps, fmt.Sprintf("%s status -> %s (paused=%v)", mark(!status.IsZero()), status.State, status.Paused))

	ok, err = rt.thread.PlayProcess(pid).Result(timeout)
	if !step("play", ok, err) {
		return res
	}

	ok, err = rt.thread.KillProcess(pid, "demo finished").Result(timeout)
	step("kill", ok, err)
	log.Debug(log.CatCLI, "demo process driven", "pid", pid, "error", res.err)
	return res
}

func printDemo(w io.Writer, results []demoResult, rec *broadcast.Recorder, expected []string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Control calls"))
	for _, r := range results {
		_, _ = fmt.Fprintln(w, pidStyle.Render(r.pid.String()))
		for _, s := range r.steps {
			_, _ = fmt.Fprintf(w, "  %s\n", s)
		}
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, titleStyle.Render("Lifecycle broadcasts"))
	for _, r := range results {
		err := rec.MatchFor(r.pid, expected)
		_, _ = fmt.Fprintf(w, "%s %s\n", mark(err == nil), pidStyle.Render(r.pid.String()))
		_, _ = fmt.Fprintf(w, "  %s\n", dimStyle.Render(strings.Join(rec.SubjectsFor(r.pid), " ")))
		if err != nil {
			_, _ = fmt.Fprintf(w, "  %s\n", failStyle.Render(err.Error()))
		}
	}
}

func dumpMetrics(w io.Writer, rt *runtime) error {
	families, err := rt.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics"))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "procctl_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}
