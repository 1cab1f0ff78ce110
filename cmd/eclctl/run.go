package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/regreport/eclbatch/cmd/eclctl/ui"
	"github.com/regreport/eclbatch/internal/app"
	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/pipeline"
	"github.com/regreport/eclbatch/internal/stream"
)

func runCmd(c *cli) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a business date and wait for the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseBusinessDate(date)
			if err != nil {
				return configError{err}
			}
			cfg, err := app.ConfigFromEnv()
			if err != nil {
				return configError{err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, c.logger, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			inv, sub, err := a.Orchestrator.StartObserved(ctx, d)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ev := range sub.Events() {
				printEvent(out, ev)
			}
			res, err := inv.Wait(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			printResult(out, res)
			if !res.Success {
				return fmt.Errorf("%w: %s", errPipelineFailed, res.State)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Business date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func printEvent(w io.Writer, ev stream.Event) {
	if ev.Step == nil && (ev.Type == stream.EventStepStarted || ev.Type == stream.EventStep) {
		return
	}
	switch ev.Type {
	case stream.EventInitializing:
		fmt.Fprintln(w, ui.InfoMsg("initializing %s", ev.Date))
	case stream.EventStepStarted:
		fmt.Fprintln(w, ui.InfoMsg("[%d/%d] %s", ev.Index, ev.Total, ev.Step.StepName))
	case stream.EventStep:
		if ev.Step.Status == domain.StepSuccess {
			fmt.Fprintln(w, ui.SuccessMsg("[%d/%d] %s", ev.Index, ev.Total, ev.Step.StepName))
		} else {
			fmt.Fprintln(w, ui.ErrorMsg("[%d/%d] %s %s", ev.Index, ev.Total, ev.Step.StepName, ui.Status(string(ev.Step.Status))))
			if ev.Step.Output != "" {
				fmt.Fprintln(w, ui.Muted(ev.Step.Output))
			}
		}
	case stream.EventFailed, stream.EventError:
		fmt.Fprintln(w, ui.ErrorMsg("%s: %s", ev.Type, ev.Message))
	}
}

func printResult(w io.Writer, res pipeline.Result) {
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	fmt.Fprint(w, ui.KeyValues("",
		ui.KV("date", res.Date.String()),
		ui.KV("state", ui.Status(string(res.State))),
		ui.KV("run key", fmt.Sprintf("%d", res.RunKey)),
		ui.KV("final run key", fmt.Sprintf("%d", res.FinalRunKey)),
		ui.KV("steps", fmt.Sprintf("%d", len(res.Outcomes))),
		ui.KV("error", errText),
	))
}
