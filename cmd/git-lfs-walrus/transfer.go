package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/config"
	"github.com/gezibash/git-lfs-walrus/internal/transfer"
)

func newTransferCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run the standalone custom transfer agent",
		Long: `Run the git-lfs standalone custom transfer agent. The agent reads
line-delimited JSON requests on stdin and answers on stdout until git-lfs
sends "terminate" or closes stdin. Logs go to stderr.

Configured by "git-lfs-walrus install" as

  lfs.customtransfer.walrus.path = git-lfs-walrus
  lfs.customtransfer.walrus.args = transfer
  lfs.standalonetransferagent   = walrus`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options("transfer")
			opts.ServeMetrics = true

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, _ *cli.Output) error {
					agent, err := transfer.New(rt.Backend, rt.Resolver, transfer.Config{
						Concurrency:    rt.Config.Concurrency,
						DefaultEpochs:  rt.Config.DefaultEpochs,
						DownloadDir:    scratchDir(rt, rt.Config.DownloadDir),
						BackendTimeout: rt.Config.BackendTimeout,
					},
						transfer.WithMetrics(rt.Obs.Metrics),
						transfer.WithLogger(rt.Log),
					)
					if err != nil {
						return err
					}
					rt.Log.Info("transfer agent started", "backend", rt.Config.Backend, "concurrency", rt.Config.Concurrency)
					return agent.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
				},
			})
		},
	}

	config.BindCommonFlags(cmd, v)
	config.BindTransferFlags(cmd, v)
	return cmd
}
