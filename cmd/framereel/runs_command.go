package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"framereel/internal/api"
	"framereel/internal/ledger"
)

const promptColumnWidth = 40

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	runsCmd.AddCommand(newRunsSummaryCommand(ctx))
	return runsCmd
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var username string
	var states []string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.ListFilter{
				Username: strings.TrimSpace(username),
				States:   normalizeStates(states),
				Limit:    limit,
			}
			return ctx.withLedger(func(store *ledger.Store) error {
				runs, err := api.NewRunService(store).List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, api.RunListResponse{Runs: runs})
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRunsTable(runs))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "Only show runs for this user")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only show runs in these states (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print runs as JSON")
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withLedger(func(store *ledger.Store) error {
				run, err := api.NewRunService(store).Describe(cmd.Context(), id)
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %s not found", id)
				}
				if jsonOut {
					return writeJSON(cmd, api.RunResponse{Run: *run})
				}
				printRunDetail(cmd.OutOrStdout(), *run)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the run as JSON")
	return cmd
}

func newRunsSummaryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show run totals by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLedger(func(store *ledger.Store) error {
				counts, err := api.NewRunService(store).Counts(cmd.Context())
				if err != nil {
					return err
				}
				states := make([]string, 0, len(counts))
				total := 0
				for state, n := range counts {
					states = append(states, state)
					total += n
				}
				sort.Strings(states)
				rows := make([][]string, 0, len(states))
				for _, state := range states {
					rows = append(rows, []string{state, strconv.Itoa(counts[state])})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTableWithFooter(
					[]string{"State", "Runs"}, rows, []string{"total", strconv.Itoa(total)},
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
}

func normalizeStates(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func renderRunsTable(runs []api.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.Username,
			run.State,
			fmt.Sprintf("%dx%d", run.Width, run.Height),
			fmt.Sprintf("%d@%d", run.FrameCount, run.FPS),
			formatElapsed(run.ElapsedSeconds),
			truncatePrompt(run.Prompt),
		})
	}
	return renderTable(
		[]string{"Run", "User", "State", "Size", "Frames", "Elapsed", "Prompt"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}

func printRunDetail(out io.Writer, run api.Run) {
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(out, "%-12s %s\n", label+":", value)
		}
	}
	line("Run", run.ID)
	line("User", run.Username)
	line("Tier", run.Tier)
	line("State", run.State)
	line("Prompt", run.Prompt)
	line("Negative", run.NegativePrompt)
	line("Size", fmt.Sprintf("%dx%d", run.Width, run.Height))
	line("Steps", strconv.Itoa(run.Steps))
	line("Frames", fmt.Sprintf("%d @ %d fps", run.FrameCount, run.FPS))
	line("Video", run.ArtifactPath)
	line("Error", strings.TrimSpace(run.ErrorKind+" "+run.ErrorMessage))
	line("Created", run.CreatedAt)
	line("Finished", run.FinishedAt)
	if run.ElapsedSeconds > 0 {
		line("Elapsed", formatElapsed(run.ElapsedSeconds))
	}
}

func formatElapsed(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return strconv.FormatFloat(seconds, 'f', 1, 64) + "s"
}

func truncatePrompt(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(prompt) <= promptColumnWidth {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:promptColumnWidth-1]) + "…"
}
