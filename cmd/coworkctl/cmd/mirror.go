package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/cowork/internal/client"
	"github.com/good-yellow-bee/cowork/internal/models"
)

var (
	mirrorDebounce    time.Duration
	mirrorConditional bool
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror <project> <dir>",
	Short: "Keep a local directory in sync with the project's tree",
	Long: `Write the project's file tree into a directory and keep it current.
Files you edit there are saved back to the project, so any editor works.

Saves replace the whole tree and the last writer wins. With --conditional a
save is rejected when someone else changed the tree first.

Example:
  coworkctl mirror my-app ./my-app`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := c.FindProject(ctx, args[0])
		if err != nil {
			return err
		}
		me, err := c.Self()
		if err != nil {
			return err
		}

		logger := newLogger()
		mirror, err := client.NewMirror(args[1], mirrorDebounce, logger)
		if err != nil {
			return err
		}

		engine := client.NewEngine(c, client.EngineConfig{
			ProjectID: p.ID,
			Self:      me,
			OnFileTree: func(tree models.FileTree) {
				if err := mirror.Write(tree); err != nil {
					PrintError(err.Error(), false)
					return
				}
				PrintVerbose("wrote %d file(s)", len(tree))
			},
			OnState: func(s client.ConnState) {
				PrintVerbose("[%s]", s)
			},
		}, logger)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return engine.Run(ctx) })
		g.Go(func() error {
			select {
			case <-engine.Ready():
			case <-ctx.Done():
				return nil
			}
			fmt.Printf("Mirroring %s into %s\n", p.Name, mirror.Dir())
			return mirror.Watch(ctx, func(ctx context.Context, tree models.FileTree) error {
				saved, err := engine.SaveFileTree(ctx, tree, mirrorConditional)
				if err != nil {
					if errors.Is(err, models.ErrVersionConflict) {
						PrintError("the tree changed on the server; local edits were not saved", false)
					}
					return err
				}
				fmt.Printf("saved %d file(s), version %d\n", len(tree), saved.Version)
				return nil
			})
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	mirrorCmd.Flags().DurationVar(&mirrorDebounce, "debounce", 300*time.Millisecond, "quiet period before local edits are saved")
	mirrorCmd.Flags().BoolVar(&mirrorConditional, "conditional", false, "reject saves based on a stale tree")
	rootCmd.AddCommand(mirrorCmd)
}
