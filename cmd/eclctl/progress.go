package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/regreport/eclbatch/cmd/eclctl/ui"
	"github.com/regreport/eclbatch/internal/checkpoint"
	"github.com/regreport/eclbatch/internal/domain"
)

func progressCmd(c *cli) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the last checkpoint of a business date",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseBusinessDate(date)
			if err != nil {
				return configError{err}
			}
			cfg, err := checkpoint.ConfigFromEnv()
			if err != nil {
				return configError{err}
			}
			opened, err := checkpoint.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = opened.Close() }()

			c.logger.Debug("reading checkpoint", "date", d.String(), "backend", opened.Backend)
			cp, err := opened.Store.Read(cmd.Context(), d)
			if errors.Is(err, checkpoint.ErrNoProgress) {
				fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMsg("no progress recorded for %s", d))
				return nil
			}
			if err != nil {
				return err
			}
			printCheckpoint(cmd.OutOrStdout(), cp)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Business date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func printCheckpoint(w io.Writer, cp domain.Checkpoint) {
	fmt.Fprint(w, ui.KeyValues("",
		ui.KV("date", cp.Date.String()),
		ui.KV("run key", fmt.Sprintf("%d", cp.RunKey)),
		ui.KV("updated", cp.UpdatedAt.Format("2006-01-02 15:04:05Z07:00")),
	))
	rows := make([][]string, 0, len(cp.Outcomes))
	for i, o := range cp.Outcomes {
		duration := ""
		if o.FinishedAt != nil {
			duration = o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond).String()
		}
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), o.StepName, string(o.Status), fmt.Sprintf("%d", o.ExitCode), duration})
	}
	fmt.Fprintln(w, ui.Table([]string{"#", "STEP", "STATUS", "EXIT", "DURATION"}, rows))
}
