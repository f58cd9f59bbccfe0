package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/good-yellow-bee/cowork/internal/client"
	"github.com/good-yellow-bee/cowork/internal/models"
	"github.com/good-yellow-bee/cowork/internal/sandbox"
)

var (
	runDir     string
	runInstall []string
	runStart   []string
)

var runCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Run the project's tree locally and restart it on every change",
	Long: `Mount the project's file tree into a directory, install and start it.
Whenever the tree changes, from a member's save or an assistant reply, the
previous run is killed and the new tree is started.

Examples:
  coworkctl run my-app --dir ./my-app
  coworkctl run my-app --start node --start index.js`,
	Args: cobra.ExactArgs(1),
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
		dir := runDir
		if dir == "" {
			dir = p.Name
		}

		logger := newLogger()
		container, err := sandbox.NewLocalContainer(dir, logger)
		if err != nil {
			return err
		}
		cfg := sandbox.DefaultRunnerConfig()
		if cmd.Flags().Changed("install") {
			cfg.Install = runInstall
		}
		if cmd.Flags().Changed("start") {
			cfg.Start = runStart
		}
		runner := sandbox.NewRunner(container, cfg, logger)
		defer runner.Stop()

		trees := make(chan models.FileTree, 1)
		engine := client.NewEngine(c, client.EngineConfig{
			ProjectID:  p.ID,
			Self:       me,
			OnFileTree: func(tree models.FileTree) { offerLatest(trees, tree) },
			OnState: func(s client.ConnState) {
				PrintVerbose("[%s]", s)
			},
		}, logger)

		fmt.Printf("Running %s in %s\n", p.Name, container.Dir())

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return engine.Run(ctx) })
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case ready := <-container.ServerReady():
					fmt.Printf("==> server ready on port %d: %s\n", ready.Port, ready.URL)
				}
			}
		})
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case tree := <-trees:
					if len(tree) == 0 {
						PrintVerbose("tree is empty, nothing to run")
						continue
					}
					fmt.Printf("==> starting (%d files)\n", len(tree))
					proc, err := runner.Run(ctx, tree, func(line string) { fmt.Println(line) })
					if err != nil {
						PrintError(err.Error(), false)
						continue
					}
					go func() {
						for line := range proc.Output() {
							fmt.Println(line)
						}
					}()
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDir, "dir", "d", "", "working directory (default: project name)")
	runCmd.Flags().StringArrayVar(&runInstall, "install", nil, "install command, one argument per flag (default: npm install)")
	runCmd.Flags().StringArrayVar(&runStart, "start", nil, "start command, one argument per flag (default: npm start)")
	rootCmd.AddCommand(runCmd)
}

// offerLatest replaces any tree still waiting in ch with tree.
func offerLatest(ch chan models.FileTree, tree models.FileTree) {
	for {
		select {
		case ch <- tree:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
