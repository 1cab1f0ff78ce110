package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/regreport/eclbatch/cmd/eclctl/ui"
	"github.com/regreport/eclbatch/internal/app"
	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/repo"
)

func runsCmd(c *cli) *cobra.Command {
	var (
		date         string
		approvedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs of a business date",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseBusinessDate(date)
			if err != nil {
				return configError{err}
			}
			cfg, err := app.ConfigFromEnv()
			if err != nil {
				return configError{err}
			}
			a, err := app.Build(cmd.Context(), c.logger, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if approvedOnly {
				rec, err := a.Approvals.LatestApproved(cmd.Context(), d)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMsg("no approved run for %s", d))
					return nil
				}
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), []domain.RunRecord{rec})
				return nil
			}
			runs, err := a.Approvals.ListRuns(cmd.Context(), d)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Business date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&approvedOnly, "approved", false, "Only show the approved run")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func printRuns(w io.Writer, runs []domain.RunRecord) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		approvedAt := ""
		if r.ApprovedAt != nil {
			approvedAt = r.ApprovedAt.Format("2006-01-02 15:04")
		}
		approved := "no"
		if r.Approved {
			approved = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.RunKey),
			r.Date.String(),
			string(r.Status),
			approved,
			r.ApprovedBy,
			approvedAt,
			r.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"RUN KEY", "DATE", "STATUS", "APPROVED", "BY", "AT", "CREATED"}, rows))
}
