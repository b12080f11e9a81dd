package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/garagemate/ecubus/pkg/diag"
	"github.com/garagemate/ecubus/pkg/session"
)

var (
	monitorInterval time.Duration
	monitorRaw      bool
)

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", time.Second, "polling interval")
	monitorCmd.Flags().BoolVar(&monitorRaw, "raw", false, "dump raw frames instead of decoded readings")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "stream live sensor data until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		coord, cleanup, err := initLink(ctx, session.WithPollInterval(monitorInterval))
		if err != nil {
			return err
		}
		defer cleanup()

		if monitorRaw {
			return monitorFrames(ctx, coord)
		}

		snaps, cancel := coord.WatchSnapshots()
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Run(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case snap := <-snaps:
					printSnapshot(snap)
				}
			}
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// monitorFrames taps the connection and dumps every frame, requests and
// responses alike, while the heartbeat keeps the link alive.
func monitorFrames(ctx context.Context, coord *session.Coordinator) error {
	sub := coord.Conn().Subscribe()
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case frame := <-sub.Chan():
				log.Println(frame.ColorString())
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printSnapshot(snap diag.Snapshot) {
	var line strings.Builder
	line.WriteString(snap.Time.Format("15:04:05"))
	for _, r := range snap.Readings {
		line.WriteString(fmt.Sprintf("  %s=%g%s", r.Name, r.Value, r.Unit))
	}
	if len(snap.DTCs) > 0 {
		line.WriteString("  dtc=[")
		for i, dtc := range snap.DTCs {
			if i > 0 {
				line.WriteString(" ")
			}
			line.WriteString(dtc.Code)
		}
		line.WriteString("]")
	}
	log.Println(line.String())
}
