package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"quantdesk/internal/api"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the HTTP API and the gRPC health service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address (default host:port from config)",
			},
			&cli.StringFlag{
				Name:  "grpc-addr",
				Usage: "gRPC health listen address (default host:grpc_port from config; grpc_port 0 disables it)",
			},
			&cli.DurationFlag{
				Name:  "run-timeout",
				Usage: "upper bound for a single backtest request",
				Value: 10 * time.Minute,
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			addr := cmd.String("addr")
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
			}
			srv := api.NewServer(api.Deps{
				Backtester: a.backtester(true),
				Scanner:    a.scanner(),
				Registry:   a.registry,
				Runs:       a.db,
				Signals:    a.db,
				Provider:   a.provider,
				Filter:     a.universeFilter(),
				RunTimeout: cmd.Duration("run-timeout"),
				Log:        a.log,
			})

			grpcAddr := cmd.String("grpc-addr")
			if grpcAddr == "" && a.cfg.Server.GRPCPort > 0 {
				grpcAddr = fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.GRPCPort)
			}

			g, gctx := errgroup.WithContext(ctx)
			if grpcAddr != "" {
				health := api.NewHealthServer(a.log)
				health.SetServing(true)
				g.Go(func() error { return health.ListenAndServe(gctx, grpcAddr) })
			}
			g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
			err := g.Wait()
			a.log.Info("server stopped")
			return err
		}),
	}
}

func strategiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "strategies",
		Usage: "list registered strategies",
		Action: withApp(func(_ context.Context, _ *cli.Command, a *app) error {
			for _, name := range a.registry.List() {
				fmt.Println(name)
			}
			return nil
		}),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
