package cmd

import (
	"context"
	"fmt"

	"computeswarm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	provisionLabel     string
	provisionExecutors int
)

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision agent instances for pending demand",
	Long: `Create instances toward covering the given number of executors, bootstrap
each one and wait until every accepted instance attaches or fails.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, _, err := buildCloud()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		ctx := context.Background()
		planned, err := c.Provision(ctx, provisionLabel, provisionExecutors)
		if err != nil {
			logging.Logger().Fatal("Provisioning failed", zap.Error(err))
		}

		if len(planned) == 0 {
			fmt.Println("No instances provisioned (cap reached)")
			return
		}

		fmt.Printf("Provisioned %d instance(s):\n", len(planned))
		failed := 0
		for _, p := range planned {
			if err := p.Wait(); err != nil {
				failed++
				fmt.Printf("- %s: FAILED (%v)\n", p.Name, err)
				continue
			}
			fmt.Printf("- %s: attached, %d executor(s)\n", p.Name, p.NumExecutors)
		}
		if failed > 0 {
			logging.Logger().Fatal("Some instances failed to bootstrap",
				zap.Int("failed", failed),
				zap.Int("planned", len(planned)))
		}
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().StringVarP(&provisionLabel, "label", "l", "", "Demand label (empty for unlabeled demand)")
	provisionCmd.Flags().IntVarP(&provisionExecutors, "executors", "n", 1, "Number of executors to provision for")
}
