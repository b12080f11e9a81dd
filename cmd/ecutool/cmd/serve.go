package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/garagemate/ecubus/pkg/gateway"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/notify"
	"github.com/garagemate/ecubus/pkg/session"
)

var (
	gwOpts = gateway.NewOptions()
	mqOpts = notify.NewOptions()

	pollEvery time.Duration
	hbEvery   time.Duration
)

func init() {
	fs := serveCmd.Flags()
	gwOpts.AddFlags(fs)
	mqOpts.AddFlags(fs)
	fs.DurationVar(&pollEvery, "poll-interval", 2*time.Second, "diagnostic polling interval")
	fs.DurationVar(&hbEvery, "heartbeat-interval", 5*time.Second, "link liveness probe interval")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the HTTP gateway and publish events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, cleanup, err := initLink(ctx,
			session.WithPollInterval(pollEvery),
			session.WithHeartbeatInterval(hbEvery),
		)
		if err != nil {
			return err
		}
		defer cleanup()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Run(gctx) })

		gw := gateway.New(coord, gwOpts)
		g.Go(func() error { return gw.Start(gctx) })

		if mqOpts.Enabled() {
			notifier := notify.New(coord, mqOpts)
			if err := notifier.Start(gctx); err != nil {
				return err
			}
			defer notifier.Disconnect(context.Background())
			g.Go(func() error { return notifier.Run(gctx) })
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		log.Info("shutdown complete")
		return nil
	},
}
