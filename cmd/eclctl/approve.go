package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/regreport/eclbatch/cmd/eclctl/ui"
	"github.com/regreport/eclbatch/internal/app"
	"github.com/regreport/eclbatch/internal/service/approval"
)

func approveCmd(c *cli) *cobra.Command {
	var (
		runKey int64
		revoke bool
		actor  string
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a run (or revoke its approval)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runKey <= 0 {
				return configError{fmt.Errorf("--run-key must be positive")}
			}
			if strings.TrimSpace(actor) == "" {
				return configError{approval.ErrActorRequired}
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

			rec, err := a.Approvals.SetApproval(cmd.Context(), runKey, !revoke, approval.AuditInfo{
				Actor:     actor,
				UserAgent: "eclctl",
			})
			if err != nil {
				return err
			}
			if rec.Approved {
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("run %d approved for %s by %s", rec.RunKey, rec.Date, rec.ApprovedBy))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMsg("run %d approval revoked for %s", rec.RunKey, rec.Date))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&runKey, "run-key", 0, "Run key to approve")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Revoke the approval instead")
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "Who is approving")
	_ = cmd.MarkFlagRequired("run-key")
	return cmd
}
