package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/profile"
	"github.com/garagemate/ecubus/pkg/session"
)

var rootCmd = &cobra.Command{
	Use:          "ecutool",
	Short:        "ECU diagnostics and reprogramming tool",
	Long:         `Talk to an ECU over a serial link: live data, trouble codes, tune limits and guarded parameter flashing.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug && logOpts.Level == "info" {
			logOpts.Level = "debug"
		}
		log.Init(logOpts)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

const (
	flagPort       = "port"
	flagBaudrate   = "baudrate"
	flagDebug      = "debug"
	flagAdapter    = "adapter"
	flagProfile    = "profile"
	flagProfileDir = "profile-dir"
)

var (
	adapterName string
	comPort     string
	baudRate    int
	debug       bool
	profileName string
	profileDir  string

	logOpts = log.NewOptions()
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&adapterName, flagAdapter, "a", "serial", "what adapter to use")
	pf.StringVarP(&comPort, flagPort, "p", "*", "com-port, * = print available")
	pf.IntVarP(&baudRate, flagBaudrate, "b", 115200, "baudrate")
	pf.BoolVarP(&debug, flagDebug, "d", false, "debug mode")
	pf.StringVar(&profileName, flagProfile, "demo", "active tune profile")
	pf.StringVar(&profileDir, flagProfileDir, "", "directory with extra profile definitions (yaml)")
	logOpts.AddFlags(pf)
}

// initLink opens the adapter, performs the handshake and returns a
// connected coordinator. The caller closes it via the returned func.
func initLink(ctx context.Context, opts ...session.Option) (*session.Coordinator, func(), error) {
	port := comPort
	if port == "*" && adapterRequiresPort(adapterName) {
		selected, err := selectPort()
		if err != nil {
			return nil, nil, err
		}
		port = selected
	}

	adapter, err := ecubus.NewAdapter(adapterName, &ecubus.AdapterConfig{
		Port:         port,
		PortBaudrate: baudRate,
		Debug:        debug,
	})
	if err != nil {
		return nil, nil, err
	}

	conn, err := ecubus.New(ctx, adapter)
	if err != nil {
		return nil, nil, err
	}

	reg := profile.NewRegistry()
	if err := reg.Add(profile.Demo()); err != nil {
		return nil, nil, err
	}
	if profileDir != "" {
		if err := reg.LoadDir(profileDir); err != nil {
			return nil, nil, fmt.Errorf("loading profiles from %s: %w", profileDir, err)
		}
	}
	active, err := reg.Get(profileName)
	if err != nil {
		return nil, nil, err
	}

	coord := session.New(conn, reg, active, opts...)
	id, err := coord.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected", "serial", id.Serial, "firmware", fmt.Sprintf("0x%08X", id.Firmware), "protocol", id.Version)

	cleanup := func() {
		if err := conn.Close(); err != nil {
			log.Error(err, "closing link")
		}
	}
	return coord, cleanup, nil
}
