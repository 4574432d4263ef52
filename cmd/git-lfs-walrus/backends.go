package main

import (
	"context"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/cli"
	"github.com/gezibash/git-lfs-walrus/internal/pointerindex"
)

func newBackendsCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List blob backends and pointer index stores with their defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options("backends")
			opts.NoBackend, opts.NoIndex = true, true

			return cli.RunCommand(cmd.Context(), cli.CommandConfig{
				Options: opts,
				Viper:   v,
				Run: func(_ context.Context, rt *cli.Runtime, out *cli.Output) error {
					t := out.Table("backends", "Kind", "Name", "Selected", "Defaults")
					for _, name := range backend.ListBackends() {
						t.AddRow("backend", name, mark(name == rt.Config.Backend), formatDefaults(backend.GetDefaults(name)))
					}
					for _, name := range pointerindex.ListStores() {
						t.AddRow("index", name, mark(name == rt.Config.Index.Backend), formatDefaults(pointerindex.GetDefaults(name)))
					}
					return t.Render()
				},
			})
		},
	}

	cli.BindOutputFlag(cmd, v)
	return cmd
}

func mark(b bool) string {
	if b {
		return "*"
	}
	return ""
}

func formatDefaults(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for k, val := range m {
		parts = append(parts, k+"="+val)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
