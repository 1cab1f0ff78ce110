package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regreport/eclbatch/cmd/eclctl/ui"
	"github.com/regreport/eclbatch/internal/registry"
)

func stepsCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the configured pipeline steps in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.FromFileOrDefault(file)
			if err != nil {
				return configError{err}
			}
			c.logger.Debug("step registry loaded", "file", file, "steps", reg.Len())
			rows := make([][]string, 0, reg.Len())
			for i, s := range reg.Steps() {
				rows = append(rows, []string{fmt.Sprintf("%d", i+1), s.Name, s.Description, s.ExecutableRef})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"#", "NAME", "DESCRIPTION", "EXECUTABLE"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", os.Getenv("ECL_STEP_REGISTRY_FILE"), "Step registry YAML file")
	return cmd
}
