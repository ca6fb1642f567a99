package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/tunegate/tunegate/internal/api"
	"github.com/tunegate/tunegate/internal/job"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address; overrides server.listen_addr",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("listen"); v != "" {
				cfg.Server.ListenAddr = v
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Deliveries and the rate limiter janitor run until shutdown completes.
			background, cancel := context.WithCancel(context.Background())
			defer cancel()

			c, err := build(ctx, background, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.close(); err != nil {
					log.Error().Err(err).Msg("release resources")
				}
			}()

			mux := http.NewServeMux()
			api.NewHandler(c.service, c.hub, api.Options{
				CallbackToken: cfg.Server.CallbackToken,
				SSEInterval:   cfg.Resolver.SSEInterval,
			}).RegisterRoutes(mux)

			handler := api.Chain(mux,
				api.CORS(cfg.Server.CORSOrigins),
				api.RequestID,
				api.Logging,
				api.RateLimit(background, cfg.Server.RateLimitRPS),
				api.Auth(cfg.Server.APIKeys),
			)

			// WriteTimeout stays zero so SSE streams are not cut off.
			srv := &http.Server{
				Addr:              cfg.Server.ListenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.ListenAddr).Msg("tunegate listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown error")
			}
			return nil
		},
	}
}

func healthCmd() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check the configured provider once; exits non-zero when it is not healthy",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := newRegistry(cfg).Select(cfg.Provider.Active)
			if err != nil {
				return fmt.Errorf("select provider: %w", err)
			}

			h := p.Health(ctx)
			if err := printJSON(h); err != nil {
				return err
			}
			if !h.OK {
				return cli.Exit(fmt.Sprintf("provider %s is %s", p.Name(), h.Status), 1)
			}
			return nil
		},
	}
}

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit one generation job and print the stored record",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "style", Usage: "Musical style"},
			&cli.StringSliceFlag{Name: "tag", Usage: "Tag (repeatable)"},
			&cli.StringFlag{Name: "title", Usage: "Track title"},
			&cli.BoolFlag{Name: "instrumental", Usage: "Generate without vocals"},
			&cli.StringFlag{Name: "notify-url", Usage: "Webhook notified when the job finishes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			prompt := cmd.Args().First()
			if prompt == "" {
				return cli.Exit("a prompt is required", 2)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := build(ctx, ctx, cfg)
			if err != nil {
				return err
			}
			defer c.close() //nolint:errcheck

			rec, err := c.service.Submit(ctx, job.CreateRequest{
				Prompt:       prompt,
				Style:        cmd.String("style"),
				Tags:         cmd.StringSlice("tag"),
				Title:        cmd.String("title"),
				Instrumental: cmd.Bool("instrumental"),
				NotifyURL:    cmd.String("notify-url"),
			})
			if rec != nil {
				if perr := printJSON(rec); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
