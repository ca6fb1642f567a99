package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/tunegate/tunegate/internal/config"
)

var version = "dev"

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	// A .env next to the binary is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("load .env")
	}

	if err := app().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("tunegate failed")
	}
}

func app() *cli.Command {
	return &cli.Command{
		Name:    "tunegate",
		Version: version,
		Usage:   "Submit AI audio generation jobs and resolve their status",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars(config.EnvConfigPath),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides logging.level",
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			healthCmd(),
			submitCmd(),
		},
	}
}

// loadConfig reads the configuration and applies the global logging flags.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(c config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "pretty" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return nil
}
