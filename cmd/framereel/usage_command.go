package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"framereel/internal/api"
	"framereel/internal/quota"
)

func newUsageCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "usage [username]",
		Short: "Show generations today from the running server",
		Long:  "Show one user's generations today, or every user the running server has seen when no username is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			var users []api.Usage
			if len(args) == 1 {
				usage, err := client.Usage(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return wrapAPIError(err, ctx.serverAddress())
				}
				if jsonOut {
					return writeJSON(cmd, usage)
				}
				users = []api.Usage{usage}
			} else {
				users, err = client.ListUsage(cmd.Context())
				if err != nil {
					return wrapAPIError(err, ctx.serverAddress())
				}
				if jsonOut {
					return writeJSON(cmd, users)
				}
				if len(users) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No usage recorded today")
					return nil
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderUsageTable(users))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print usage as JSON")
	return cmd
}

func renderUsageTable(users []api.Usage) string {
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		limit, remaining := "unlimited", "unlimited"
		if u.Limit >= 0 {
			limit = strconv.Itoa(u.Limit)
			remaining = strconv.Itoa(u.Remaining)
		}
		date := u.Date
		if date == "" {
			date = "-"
		}
		rows = append(rows, []string{u.Username, tierTitle(u.Tier), date,
			strconv.Itoa(u.Count), strconv.Itoa(u.Reserved), limit, remaining})
	}
	return renderTable(
		[]string{"User", "Tier", "Date", "Used", "In flight", "Limit", "Remaining"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

func tierTitle(raw string) string {
	tier, err := quota.ParseTier(raw)
	if err != nil {
		return raw
	}
	return tier.Title()
}
