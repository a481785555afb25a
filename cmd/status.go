package cmd

import (
	"context"
	"fmt"

	"computeswarm/internal/cloud"
	"computeswarm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cloud's instances and remaining capacity",
	Run: func(cmd *cobra.Command, args []string) {
		c, cfg, err := buildCloud()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		ctx := context.Background()
		instances, err := c.ListInstances(ctx)
		if err != nil {
			logging.Logger().Fatal("Could not list instances", zap.Error(err))
		}
		headroom, err := c.Headroom(ctx)
		if err != nil {
			logging.Logger().Fatal("Could not compute capacity", zap.Error(err))
		}

		fmt.Printf("Cloud: %s (project %s)\n", c.Name(), cfg.Cloud.ProjectID)
		fmt.Printf("Instances: %d (cap %d, headroom %d)\n", len(instances), cfg.Cloud.InstanceCap, headroom)
		for _, inst := range instances {
			alive := ""
			if !cloud.IsAlive(inst.Status) {
				alive = " (not counted)"
			}
			fmt.Printf("- %s [%s]%s config=%s\n", inst.Name, inst.Status, alive, inst.Labels[cloud.ConfigLabelKey])
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
