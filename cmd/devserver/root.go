package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	configs "github.com/joeriben/ai4artsed-webserver-sub001/cmd/devserver/configs"
	db "github.com/joeriben/ai4artsed-webserver-sub001/cmd/devserver/db"
	exports "github.com/joeriben/ai4artsed-webserver-sub001/cmd/devserver/exports"
	run "github.com/joeriben/ai4artsed-webserver-sub001/cmd/devserver/run"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "DEVSERVER"

const (
	ExitConfig = 1
	ExitBind   = 2
)

var Cmd = &cobra.Command{
	Use:           "devserver",
	Short:         "Pedagogical prompt transformation server",
	Long:          "Runs staged prompt pipelines against local and cloud models and records every run to disk",
	SilenceUsage:  true,
	SilenceErrors: true,

	// Runs before this command and any subcommands
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(envPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(
			`-`, `_`,
			`.`, `_`,
		))
		viper.AutomaticEnv()
		bindEnvs()

		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}

		return config.LoadEnvAndConfigFiles()
	},
}

// bindEnvs accepts the bare variable names next to the prefixed ones.
func bindEnvs() {
	viper.BindEnv("port", envPrefix+"_PORT", "PORT")
	viper.BindEnv("secret_key", envPrefix+"_SECRET_KEY", "SECRET_KEY")
	viper.BindEnv("disable_api_cache", envPrefix+"_DISABLE_API_CACHE", "DISABLE_API_CACHE")

	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("openrouter.api_key", "OPENROUTER_API_KEY")
	viper.BindEnv("stability.api_key", "STABILITY_API_KEY")
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, server.ErrBind) {
		return ExitBind
	}
	return ExitConfig
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCode(err))
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file")
	pflags.String("schemas-dir", config.DefaultSchemasDir, "Directory holding chunks, pipelines and configs")
	pflags.String("exports-dir", config.DefaultExportsDir, "Directory runs are recorded to")

	viper.BindPFlag("config_file", pflags.Lookup("config-file"))
	viper.BindPFlag("env_file", pflags.Lookup("env-file"))
	viper.BindPFlag("schemas_dir", pflags.Lookup("schemas-dir"))
	viper.BindPFlag("exports_dir", pflags.Lookup("exports-dir"))

	Cmd.AddCommand(run.Cmd, configs.Cmd, exports.Cmd, db.Cmd)
	Cmd.CompletionOptions.HiddenDefaultCmd = true
}
