// tchat is the Theoremz chat client CLI: it signs in against the identity
// provider and talks to the tutoring platform's data backend to read, send
// and follow chat messages.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/theoremz/tutorchat/pkg/backend"
	"github.com/theoremz/tutorchat/pkg/chat"
	"github.com/theoremz/tutorchat/pkg/identity"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyCredentials
	contextKeyBridge
	contextKeyService
)

func getCredentials(ctx *cli.Context) *Credentials {
	return ctx.Context.Value(contextKeyCredentials).(*Credentials)
}

func getBridge(ctx *cli.Context) *identity.Bridge {
	return ctx.Context.Value(contextKeyBridge).(*identity.Bridge)
}

func getService(ctx *cli.Context) *chat.Service {
	return ctx.Context.Value(contextKeyService).(*chat.Service)
}

func newLogger(ctx *cli.Context) zerolog.Logger {
	level := zerolog.WarnLevel
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func prepareApp(ctx *cli.Context) error {
	log := newLogger(ctx)

	cfg, err := loadClientConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	creds, err := loadCredentials(ctx.String("credentials"))
	if err != nil {
		return err
	}

	bridge := identity.NewBridge(cfg.Backend.Identity, log)
	if creds.HasSession() {
		if err := bridge.Resume(ctx.Context, creds.RefreshToken); err != nil {
			log.Warn().Err(err).Msg("Stored session is no longer valid")
		}
	}

	factory := backend.NewFactory(cfg.Backend, bridge, log)
	var opts []chat.ServiceOption
	if cfg.CachePath != "" {
		cache, err := chat.OpenCacheStore(cfg.CachePath, log)
		if err != nil {
			log.Warn().Err(err).Msg("Message cache unavailable, continuing without it")
		} else {
			opts = append(opts, chat.WithCache(cache))
		}
	}
	service := chat.NewService(factory, bridge, log, opts...)

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyCredentials, creds)
	newCtx = context.WithValue(newCtx, contextKeyBridge, bridge)
	newCtx = context.WithValue(newCtx, contextKeyService, service)
	ctx.Context = newCtx
	return nil
}

func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if _, ok := getBridge(ctx).Current(); !ok {
		return fmt.Errorf("you are not logged in, run 'tchat login' first")
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "tchat",
		Usage:   "Theoremz tutoring chat client",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to client config file",
				Value: defaultConfigPath(),
			},
			&cli.StringFlag{
				Name:  "credentials",
				Usage: "Path to stored session credentials",
				Value: defaultCredentialsPath(),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			whoamiCommand,
			historyCommand,
			sendCommand,
			watchCommand,
			deleteCommand,
			conversationsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
