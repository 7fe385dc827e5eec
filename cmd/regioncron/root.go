package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"regioncron/internal/config"
	"regioncron/internal/region"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "regioncron",
		Short:         "Distributed periodic tasks over regional stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			setupLogger(cfg.Log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("db", "", "default region DSN (SQLite path or postgres URL)")
	_ = a.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("regions.default", root.PersistentFlags().Lookup("db"))

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newRegionsCmd(a))
	return root
}

// setupLogger configures the global zerolog logger.
func setupLogger(c config.LogConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return log.Logger
}

func (a *app) openRegions(ctx context.Context) (*region.Registry, error) {
	return region.Open(ctx, region.Config{
		DefaultDSN:       a.cfg.Regions.Default,
		Extra:            a.cfg.Regions.Extra,
		Discover:         a.cfg.Regions.Discover,
		ProjectCacheSize: a.cfg.Regions.ProjectCacheSize,
	}, log.Logger)
}
