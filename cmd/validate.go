package cmd

import (
	"context"
	"fmt"
	"os"

	"computeswarm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every instance configuration against the project",
	Long: `Verify that each configuration's region, zone, machine type, disk type,
image, network, subnetwork and accelerator type actually exist in the
project. All problems are reported in one run.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, _, err := buildCloud()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		errs := c.ValidateConfigurations(context.Background())
		if len(errs) == 0 {
			fmt.Printf("All %d configuration(s) are valid\n", len(c.Configurations()))
			return
		}

		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "- %v\n", err)
		}
		logging.Logger().Fatal("Configuration validation failed",
			zap.Int("problems", len(errs)))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
