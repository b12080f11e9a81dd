package cmd

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/garagemate/ecubus/pkg/bar"
	"github.com/garagemate/ecubus/pkg/flash"
	"github.com/garagemate/ecubus/pkg/profile"
)

var (
	flashYes       bool
	flashChunkSize int
)

func init() {
	flashCmd.Flags().BoolVarP(&flashYes, "yes", "y", false, "skip the confirmation prompt")
	flashCmd.Flags().IntVar(&flashChunkSize, "chunk-size", 0, "parameters per write chunk, 0 = default")
	rootCmd.AddCommand(flashCmd)
}

var flashCmd = &cobra.Command{
	Use:   "flash <parameter>=<value> ...",
	Short: "write tune parameters with backup, verify and rollback",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		requested, err := parseAssignments(args)
		if err != nil {
			return err
		}

		coord, cleanup, err := initLink(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		current, err := coord.ReadConfig(ctx, "")
		if err != nil {
			return err
		}

		names := make([]string, 0, len(requested))
		for name := range requested {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Println("planned changes:")
		for _, name := range names {
			if prev, ok := current[name]; ok {
				log.Printf("  %-14s %g -> %g", name, prev, requested[name])
			} else {
				log.Printf("  %-14s ?? -> %g", name, requested[name])
			}
		}

		if !flashYes {
			log.Println("Write to ECU?")
			if !yesNo() {
				return nil
			}
		}

		var opts []flash.Option
		if flashChunkSize > 0 {
			opts = append(opts, flash.WithChunkSize(flashChunkSize))
		}

		statuses, cancelWatch := coord.Watch()
		defer cancelWatch()

		quit := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			drawProgress(statuses, quit)
		}()

		res, err := coord.Flash(ctx, "", requested, opts...)
		close(quit)
		wg.Wait()

		if err != nil {
			var verr *profile.ValidationError
			if errors.As(err, &verr) {
				for _, rej := range verr.Rejections {
					log.Println(color.RedString(rej.String()))
				}
			}
			return err
		}

		switch res.State {
		case flash.StateCommitted:
			log.Println(color.GreenString("session %s committed in %s (%d/%d chunks, %d retries)",
				res.ID, res.Finished.Sub(res.Started).Round(time.Millisecond), res.ChunksDone, res.ChunksTotal, res.Retries))
		default:
			log.Println(color.RedString("session %s ended %s: %s", res.ID, res.State, res.Reason))
		}
		return nil
	},
}

// drawProgress renders phase transitions and a chunk progress bar from
// the status stream until quit closes.
func drawProgress(statuses <-chan flash.Status, quit <-chan struct{}) {
	var pb *progressbar.ProgressBar
	var last flash.State
	for {
		select {
		case <-quit:
			if pb != nil {
				pb.Finish()
			}
			return
		case st := <-statuses:
			if st.State != last {
				if pb != nil && st.State != flash.StateWriting {
					pb.Finish()
					pb = nil
				}
				log.Println("phase:", st.State)
				last = st.State
			}
			if st.State == flash.StateWriting && st.ChunksTotal > 0 {
				if pb == nil {
					pb = bar.New(st.ChunksTotal, "[cyan]writing[reset]")
				}
				pb.Set(st.ChunksDone)
			}
		}
	}
}

func parseAssignments(args []string) (map[string]float64, error) {
	out := make(map[string]float64, len(args))
	for _, arg := range args {
		name, raw, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("expected <parameter>=<value>, got %q", arg)
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("bad value for %s: %v", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func yesNo() bool {
	prompt := promptui.Select{
		Label:    "[Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		log.Fatalf("Prompt failed %v\n", err)
	}
	return result == "Yes"
}
