package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/procctl/internal/config"
)

// execute runs the root command with args against a config file in a temp
// dir and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--config" {
			cfgPath = args[i+1]
		}
	}
	if !containsFlag(args, "--config") {
		args = append(args, "--config", cfgPath)
	}

	// Flags keep their values across Execute calls.
	t.Cleanup(func() {
		cfgFile = ""
		demoProcesses, demoTimeout, demoDumpMetrics = 3, 0, false
		watchInterval, watchCount, watchMetricsAddr = time.Second, 0, ""
		configInitForce = false
	})

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func TestSubjectsCommand(t *testing.T) {
	out, err := execute(t, "subjects", "CREATED", "running", "WAITING", "FINISHED")
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		"state_changed.None.RUNNING",
		"state_changed.RUNNING.WAITING",
		"state_changed.WAITING.FINISHED",
	}, "\n")+"\n", out)
}

func TestSubjectsCommand_UnknownState(t *testing.T) {
	_, err := execute(t, "subjects", "CREATED", "SLEEPING")
	require.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procctl", "config.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, path)

	_, err = execute(t, "config", "init", "--config", path)
	require.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "set", "controller.timeout", "750ms", "--config", path)
	require.NoError(t, err)

	_, err = execute(t, "config", "set", "nope.key", "1", "--config", path)
	require.ErrorIs(t, err, config.ErrUnknownKey)

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "timeout: 750ms")
	require.Contains(t, out, "url: mem://localhost")
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shout\n"), 0o600))

	_, err := execute(t, "subjects", "CREATED", "RUNNING", "--config", path)
	require.ErrorContains(t, err, "log.level")
}

func TestDemoCommand(t *testing.T) {
	out, err := execute(t, "demo", "--processes", "2", "--timeout", "5s", "--metrics")
	require.NoError(t, err)

	require.Contains(t, out, "Control calls")
	require.Contains(t, out, "pause -> true")
	require.Contains(t, out, "play -> true")
	require.Contains(t, out, "kill -> true")
	require.Contains(t, out, "status -> PAUSED")
	require.Contains(t, out, "state_changed.None.RUNNING state_changed.RUNNING.WAITING state_changed.WAITING.PAUSED state_changed.PAUSED.WAITING state_changed.WAITING.KILLED")
	require.NotContains(t, out, "✗")
	require.Contains(t, out, `procctl_comms_tasks_sent_total{intent="pause"} 2`)
}

func TestWatchCommand(t *testing.T) {
	out, err := execute(t, "watch", "--interval", "10ms", "--count", "2")
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(out, "-> FINISHED"), out)
}
