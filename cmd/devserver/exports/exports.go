package cmd

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/legacy"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

var Cmd = &cobra.Command{
	Use:   "exports",
	Short: "Maintain the recorded runs",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move legacy run folders into the dated layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.GetConfig()
		if err != nil {
			return err
		}
		l, err := logger.NewLogger(cfg)
		if err != nil {
			return err
		}
		workers, _ := cmd.Flags().GetInt("workers")

		progress := mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
			mpb.WithOutput(cmd.ErrOrStderr()),
		)
		var (
			once sync.Once
			bar  *mpb.Bar
		)
		onProgress := func(_, total int) {
			once.Do(func() {
				bar = progress.AddBar(int64(total),
					mpb.PrependDecorators(
						decor.Name("legacy runs", decor.WC{W: 14, C: decor.DidentRight}),
						decor.CountersNoUnit("%d / %d"),
					),
					mpb.AppendDecorators(decor.Percentage()),
				)
			})
			bar.Increment()
		}

		m := legacy.New(cfg.ExportsDir,
			legacy.WithLogger(l),
			legacy.WithWorkers(workers),
			legacy.WithProgress(onProgress),
		)
		report, err := m.Migrate(cmd.Context())
		if bar != nil {
			bar.SetTotal(-1, true)
		}
		progress.Wait()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "moved %d, skipped %d, failed %d\n",
			report.Moved, report.Skipped, report.Failed)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Int("workers", legacy.DefaultWorkers, "Folders moved in parallel")
	Cmd.AddCommand(migrateCmd)
}
