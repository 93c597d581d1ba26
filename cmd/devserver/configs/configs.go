package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/schemas"

	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "configs",
	Short: "Inspect the schemas tree",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the interception configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, _, err := load()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPIPELINE\tMEDIA\tNAME")
		for _, c := range loader.ListConfigs() {
			s := c.Summary()
			media := make([]string, 0, len(s.SupportedMedia))
			for _, m := range s.SupportedMedia {
				media = append(media, string(m))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Pipeline, strings.Join(media, ","), c.Name.Get("de"))
		}
		return w.Flush()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load every definition and report the broken ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, snap, err := load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d chunks, %d pipelines, %d configs, %d output configs\n",
			len(snap.Chunks), len(snap.Pipelines), len(snap.Configs), len(snap.Outputs))
		for _, p := range snap.Problems {
			fmt.Fprintf(out, "  %s\n", p.Error())
		}
		if len(snap.Problems) > 0 {
			return fmt.Errorf("%w: %d broken definitions", config.ErrInvalidConfig, len(snap.Problems))
		}
		return nil
	},
}

func load() (*schemas.Loader, *schemas.Snapshot, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, nil, err
	}
	loader := schemas.NewLoader(cfg.SchemasDir, nil)
	snap, err := loader.LoadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", cfg.SchemasDir, err)
	}
	return loader, snap, nil
}

func init() {
	Cmd.AddCommand(listCmd, validateCmd)
}

