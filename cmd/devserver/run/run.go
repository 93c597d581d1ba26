package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/app"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/config"
	"github.com/joeriben/ai4artsed-webserver-sub001/internal/server"
	"github.com/joeriben/ai4artsed-webserver-sub001/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	RunE:  runApp,
}

func init() {
	flags := Cmd.Flags()

	flags.Int("port", config.DefaultPort, "Port to run the server on")
	flags.String("host", config.DefaultHost, "Host to run the server on")
	flags.String("environment", config.EnvDev, "Environment configuration")
	flags.String("device-id", config.DefaultDeviceID, "Device id recorded with every run")
	flags.String("public-dir", "", "Path where the frontend is served from")
	flags.String("filesystem-type", config.FilesystemLocal, "Archive storage: 'local' or 's3'")
	flags.Bool("archive", false, "Mirror completed runs to archive storage")

	flags.String("db-driver", config.DefaultDBDriver, "Run index driver: sqlite, libsql or pg")
	flags.String("db-dsn", config.DefaultDBDSN, "Run index DSN")
	flags.String("mq-type", "inmemory", "Event bus: inmemory or pulsar")
	flags.String("pulsar-url", "", "URL of the pulsar broker")
	flags.Float64("vram-gb", 0, "Skip the VRAM probe and assume this many GB")

	viper.BindPFlag("port", flags.Lookup("port"))
	viper.BindPFlag("host", flags.Lookup("host"))
	viper.BindPFlag("environment", flags.Lookup("environment"))
	viper.BindPFlag("device_id", flags.Lookup("device-id"))
	viper.BindPFlag("public_dir", flags.Lookup("public-dir"))
	viper.BindPFlag("filesystem_type", flags.Lookup("filesystem-type"))
	viper.BindPFlag("archive.enabled", flags.Lookup("archive"))
	viper.BindPFlag("db.driver", flags.Lookup("db-driver"))
	viper.BindPFlag("db.dsn", flags.Lookup("db-dsn"))
	viper.BindPFlag("mq.type", flags.Lookup("mq-type"))
	viper.BindPFlag("pulsar.url", flags.Lookup("pulsar-url"))
	viper.BindPFlag("vram.override_gb", flags.Lookup("vram-gb"))
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}
	l, err := logger.NewLogger(cfg)
	if err != nil {
		return err
	}

	a, err := app.NewApp(cfg,
		app.WithLogger(l),
		app.WithMQ(),
		app.WithDBInitialization(),
		app.WithArchive(),
		app.WithLegacyMigration(),
	)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := server.NewServer(cfg, l)
	if err != nil {
		return err
	}
	srv.SetupRoutes(a)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	signalc := make(chan os.Signal, 1)
	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalc)

	select {
	case err := <-errc:
		return err
	case sig := <-signalc:
		l.Info("shutting down", zap.String("signal", sig.String()))
	}

	if err := srv.Stop(context.Background()); err != nil {
		l.Warn("server shutdown", zap.Error(err))
	}
	return <-errc
}
