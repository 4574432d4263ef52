// Command git-lfs-walrus stores git-lfs objects on Walrus. It provides the
// clean and smudge filters, a standalone custom transfer agent, and the
// maintenance commands that keep stored blobs from expiring.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/gezibash/git-lfs-walrus/internal/backend/badger"
	_ "github.com/gezibash/git-lfs-walrus/internal/backend/fs"
	_ "github.com/gezibash/git-lfs-walrus/internal/backend/memory"
	_ "github.com/gezibash/git-lfs-walrus/internal/backend/s3"
	_ "github.com/gezibash/git-lfs-walrus/internal/backend/walrus"
	_ "github.com/gezibash/git-lfs-walrus/internal/pointerindex/badger"
	_ "github.com/gezibash/git-lfs-walrus/internal/pointerindex/memory"
	_ "github.com/gezibash/git-lfs-walrus/internal/pointerindex/redis"
	_ "github.com/gezibash/git-lfs-walrus/internal/pointerindex/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "git-lfs-walrus",
		Short: "Store git-lfs objects on Walrus",
		Long: `git-lfs-walrus keeps large files in Walrus decentralized storage.

Git integration:
  git-lfs-walrus install          Configure filters and the transfer agent
  git-lfs-walrus clean <path>     Clean filter (content -> pointer)
  git-lfs-walrus smudge <path>    Smudge filter (pointer -> content)
  git-lfs-walrus transfer         Standalone custom transfer agent

Maintenance:
  git-lfs-walrus walrus-check     Report blobs that are expiring or gone
  git-lfs-walrus walrus-refresh   Extend expiring blobs
  git-lfs-walrus walrus-blob-id   Show the pointer behind a path`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newSmudgeCmd())
	rootCmd.AddCommand(newTransferCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newBlobIDCmd())
	rootCmd.AddCommand(newInstallCmd())
	rootCmd.AddCommand(newUninstallCmd())
	rootCmd.AddCommand(newBackendsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.ExecuteContext(ctx)
}
