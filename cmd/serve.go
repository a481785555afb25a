package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"computeswarm/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveLabel        string
	serveExecutors    int
	serveReapInterval time.Duration
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Provision agents and keep them until they retire",
	Long: `Provision instances for the given demand, then stay resident: idle agents
are retired after their retention time, one-shot agents after their first
job, and the backing instances are deleted. Stops on SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, _, err := buildCloud()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		planned, err := c.Provision(ctx, serveLabel, serveExecutors)
		if err != nil {
			logging.Logger().Fatal("Provisioning failed", zap.Error(err))
		}
		for _, p := range planned {
			if err := p.Wait(); err != nil {
				logging.Logger().Warn("Instance failed to bootstrap",
					zap.String("instance", p.Name),
					zap.Error(err))
			}
		}

		logging.Logger().Info("Serving agents",
			zap.Int("nodes", len(c.Registry().List())),
			zap.Duration("reap_interval", serveReapInterval))

		c.NewReaper(serveReapInterval).Run(ctx)

		// Drop whatever is still registered on shutdown
		for _, node := range c.Registry().List() {
			c.Registry().RemoveNode(node.Name)
			if err := c.DeleteInstance(context.Background(), node.Zone, node.Name); err != nil {
				logging.Logger().Error("failed to delete instance on shutdown",
					zap.String("instance", node.Name),
					zap.Error(err))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveLabel, "label", "l", "", "Demand label (empty for unlabeled demand)")
	serveCmd.Flags().IntVarP(&serveExecutors, "executors", "n", 1, "Number of executors to provision for")
	serveCmd.Flags().DurationVar(&serveReapInterval, "reap-interval", time.Minute, "How often retirement is evaluated")
}
