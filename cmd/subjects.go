package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/procctl/internal/broadcast"
	"github.com/zjrosen/procctl/internal/process"
)

var subjectsCmd = &cobra.Command{
	Use:   "subjects STATE...",
	Short: "Print the broadcast subjects a lifecycle emits",
	Long: `Print the state_changed subjects a process emits when it walks the
given states in order. The first state is where the process starts and
emits nothing.

Examples:
  procctl subjects CREATED RUNNING WAITING FINISHED
  procctl subjects created running paused running killed`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		states := make([]process.State, 0, len(args))
		for _, arg := range args {
			s, err := process.ParseState(strings.ToUpper(arg))
			if err != nil {
				return err
			}
			states = append(states, s)
		}

		subjects, err := broadcast.ExpectedSubjects(states)
		if err != nil {
			return err
		}
		for _, subject := range subjects {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), subject)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subjectsCmd)
}
