package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.viam.com/rdk/logging"

	"rcboard"
	"rcboard/driver"
	"rcboard/driver/sim"
	"rcboard/scene"
)

func main() {
	err := realMain(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("rcboard-cli", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML config file")
	remote := fs.StringP("remote", "r", "", "Remote device path, e.g. /robot/arm")
	address := fs.StringP("address", "a", "", "host:port of the board server (tcp carrier)")
	carrier := fs.String("carrier", "", "Carrier: tcp, serial or sim")
	serialPort := fs.String("serial-port", "", "Serial port (serial carrier)")
	scenePath := fs.StringP("scene", "s", "", "Scene file to animate")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := &rcboard.Config{}
	if *configPath != "" {
		loaded, err := rcboard.LoadConfigFile(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Environment first, then explicit flags.
	cfg.ApplyEnv(os.Getenv)
	if fs.Changed("remote") {
		cfg.Remote = *remote
	}
	if fs.Changed("address") {
		cfg.Address = *address
	}
	if fs.Changed("carrier") {
		cfg.Carrier = *carrier
	}
	if fs.Changed("serial-port") {
		cfg.SerialPort = *serialPort
	}
	if fs.Changed("scene") {
		cfg.SceneFile = *scenePath
	}
	if _, _, err := cfg.Validate("cli"); err != nil {
		return err
	}

	logger := logging.NewLogger("rcboard-cli")
	if *debug {
		logger = logging.NewDebugLogger("rcboard-cli")
	}

	doc, err := openScene(cfg)
	if err != nil {
		return err
	}

	var opener driver.Opener = driver.Open
	if cfg.Carrier == driver.CarrierSim {
		opener = sim.NewBoard(rcboard.SimAxisNames(cfg)...).Open
	}

	ctrl, err := rcboard.NewController(cfg, doc, opener, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}()

	console, err := newConsole(ctrl, doc, cfg, logger)
	if err != nil {
		return err
	}
	return console.Run(ctx)
}

func openScene(cfg *rcboard.Config) (*scene.Document, error) {
	if cfg.SceneFile != "" {
		return scene.Load(cfg.SceneFile)
	}
	doc := scene.NewDocument()
	for _, name := range cfg.Joints {
		if name != "" {
			doc.AddNode(name)
		}
	}
	return doc, nil
}
