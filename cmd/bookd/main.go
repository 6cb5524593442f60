// README: Entry point; serve runs the HTTP API with the expiry sweeper, the other commands drive dispatch from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"bookd/internal/config"
	httptransport "bookd/internal/http"
	"bookd/internal/infra"
	"bookd/internal/types"
)

func main() {
	// .env is optional; real deployments set BOOKD_* directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "bookd",
		Usage: "Provider matching and dispatch for service bookings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a config file (defaults to ./config.yaml when present)",
				EnvVars: []string{"BOOKD_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "run against in-memory stores instead of Postgres/Redis",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			sweepCmd,
			dispatchCmd,
			cancelCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Start the HTTP API and the expiry sweeper",
	Action: func(c *cli.Context) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			n, err := a.directory.RebuildIndex(ctx)
			if err != nil {
				a.log.Warn("rebuild provider geo index failed", zap.Error(err))
			} else if n > 0 {
				a.log.Info("provider geo index rebuilt", zap.Int("providers", n))
			}

			go a.sweeper.Run(ctx)

			router := httptransport.NewRouter(httptransport.RouterDeps{
				Bookings:  a.bookings,
				Dispatch:  a.coord,
				Providers: a.providers,
			}, a.log)
			return httptransport.NewServer(a.cfg.HTTP.Addr, router, a.log).Run(ctx)
		})
	},
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "Expire overdue offers and reconcile stalled bookings once, then exit",
	Action: func(c *cli.Context) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			expired, err := a.sweeper.Sweep(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			resumed, err := a.sweeper.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired=%d reconciled=%d\n", expired, resumed)
			return nil
		})
	},
}

var dispatchCmd = &cli.Command{
	Name:  "dispatch",
	Usage: "Start or resume dispatch for a booking",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "booking", Aliases: []string{"b"}, Required: true, Usage: "booking id"},
	},
	Action: func(c *cli.Context) error {
		id := types.ID(c.String("booking"))
		return withApp(c, func(ctx context.Context, a *app) error {
			if err := a.coord.Dispatch(ctx, id); err != nil {
				return err
			}
			return printStatus(ctx, a, id)
		})
	},
}

var cancelCmd = &cli.Command{
	Name:  "cancel",
	Usage: "Cancel a booking and withdraw its open offers",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "booking", Aliases: []string{"b"}, Required: true, Usage: "booking id"},
		&cli.StringFlag{Name: "reason", Value: "cancelled by operator", Usage: "cancellation reason"},
	},
	Action: func(c *cli.Context) error {
		id := types.ID(c.String("booking"))
		return withApp(c, func(ctx context.Context, a *app) error {
			if err := a.coord.Cancel(ctx, id, c.String("reason")); err != nil {
				return err
			}
			return printStatus(ctx, a, id)
		})
	},
}

func withApp(c *cli.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log, err := infra.NewLogger(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, c.Bool("memory"), log)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStatus(ctx context.Context, a *app, id types.ID) error {
	view, err := a.coord.Status(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("booking %s: %s\n", view.Booking.ID, view.Booking.Status)
	for _, o := range view.Offers {
		fmt.Printf("  offer %s provider=%s status=%s round=%d score=%.1f\n", o.ID, o.ProviderID, o.Status, o.Round, o.Score)
	}
	return nil
}
