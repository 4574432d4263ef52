package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/gitrepo"
)

// agentName is the custom transfer agent name git-lfs is pointed at.
const agentName = "walrus"

type setting struct {
	key   string
	value string
}

// installSettings returns the git config that routes filters and transfers
// through command.
func installSettings(command string) []setting {
	prefix := "lfs.customtransfer." + agentName + "."
	return []setting{
		{"filter.lfs.clean", command + " clean -- %f"},
		{"filter.lfs.smudge", command + " smudge -- %f"},
		{"filter.lfs.required", "true"},
		{prefix + "path", command},
		{prefix + "args", "transfer"},
		{prefix + "concurrent", "true"},
		{prefix + "direction", "both"},
		{"lfs.standalonetransferagent", agentName},
	}
}

// processKey would take precedence over the clean and smudge commands.
const processKey = "filter.lfs.process"

func scopeFlags(cmd *cobra.Command, global *bool) {
	cmd.Flags().BoolVar(global, "global", false, "write the user's global git config instead of the repository's")
	cmd.Flags().Bool("local", true, "write the repository's git config (default)")
	cmd.MarkFlagsMutuallyExclusive("global", "local")
}

func scopeOf(global bool) gitrepo.Scope {
	if global {
		return gitrepo.ScopeGlobal
	}
	return gitrepo.ScopeLocal
}

func newInstallCmd() *cobra.Command {
	v := viper.New()
	var global bool
	var command string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Configure git to use the walrus filters and transfer agent",
		Long: `Write the git configuration that routes git-lfs content through
git-lfs-walrus: the clean and smudge filters, the custom transfer agent and
lfs.standalonetransferagent. Settings go to the repository config unless
--global is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options("install")
			opts.NoBackend, opts.NoIndex = true, true
			opts.RequireRepo = !global

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					repo := rt.Repo
					if repo == nil {
						repo = gitrepo.Open("")
					}
					scope := scopeOf(global)
					if err := repo.ConfigUnset(ctx, scope, processKey); err != nil {
						return fmt.Errorf("unset %s: %w", processKey, err)
					}
					res := out.Result("install", "git-lfs-walrus installed").With("scope", string(scope)[2:])
					for _, s := range installSettings(command) {
						if err := repo.ConfigSet(ctx, scope, s.key, s.value); err != nil {
							return fmt.Errorf("set %s: %w", s.key, err)
						}
						res.With(s.key, s.value)
					}
					return res.Render()
				},
			})
		},
	}

	cli.BindOutputFlag(cmd, v)
	scopeFlags(cmd, &global)
	cmd.Flags().StringVar(&command, "command", "git-lfs-walrus", "command git runs for filters and transfers")
	return cmd
}

func newUninstallCmd() *cobra.Command {
	v := viper.New()
	var global bool

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the configuration written by install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options("uninstall")
			opts.NoBackend, opts.NoIndex = true, true
			opts.RequireRepo = !global

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(ctx context.Context, rt *cli.Runtime, out *cli.Output) error {
					repo := rt.Repo
					if repo == nil {
						repo = gitrepo.Open("")
					}
					scope := scopeOf(global)
					list := out.StringList("uninstall")
					for _, s := range installSettings("") {
						if err := repo.ConfigUnset(ctx, scope, s.key); err != nil {
							return fmt.Errorf("unset %s: %w", s.key, err)
						}
						list.Add(s.key)
					}
					return list.Render()
				},
			})
		},
	}

	cli.BindOutputFlag(cmd, v)
	scopeFlags(cmd, &global)
	return cmd
}
