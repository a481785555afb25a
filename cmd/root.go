package cmd

import (
	"context"
	"os"

	"computeswarm/internal/agent"
	"computeswarm/internal/cloud"
	"computeswarm/internal/config"
	"computeswarm/internal/gce"
	"computeswarm/internal/payload"
	"computeswarm/internal/remote"
	"computeswarm/internal/sshkeys"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "computeswarm",
	Short: "Elastic Compute Engine agents for a job cluster",
	Long: `ComputeSwarm provisions ephemeral Compute Engine instances on demand,
bootstraps a worker agent onto each one and retires them when idle.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (default $CONFIG_PATH, then "+config.DefaultPath+")")
}

// buildCloud assembles a fully wired cloud from the config file
func buildCloud() (*cloud.Cloud, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	deps := cloud.Deps{
		NewClient: func(ctx context.Context) (gce.Client, error) {
			return gce.NewAPIClient(ctx, cfg.Cloud.ProjectID, cfg.Cloud.CredentialsFile)
		},
		Dialer:   &remote.SSHDialer{},
		Registry: agent.NewRegistry(),
		Keys:     sshkeys.NewKeyProvider(cfg.Cloud.EtcdEndpoints),
		Payload:  payload.NewSource(cfg.Cloud.AgentPayload),
	}

	c, err := cloud.New(cfg.Cloud, deps)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
