// Command simboard serves a simulated control board over TCP so the module
// and CLI can be exercised without hardware.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"rcboard/driver/remote"
	"rcboard/driver/sim"
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

	fs := flag.NewFlagSet("simboard", flag.ContinueOnError)
	listen := fs.StringP("listen", "l", "127.0.0.1:10000", "Address to listen on")
	names := fs.StringSliceP("names", "n", []string{"shoulder", "elbow", "wrist"}, "Axis names")
	report := fs.Duration("report", 5*time.Second, "Position report interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.NewLogger("simboard")
	board := sim.NewBoard(*names...)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	logger.Infof("simulated board with %d axes %v listening on %s", len(*names), *names, ln.Addr())

	if *report > 0 {
		utils.PanicCapturingGo(func() {
			ticker := time.NewTicker(*report)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
				logger.Infof("positions=%v modes=%v calls=%d sessions=%d",
					board.Positions(), board.Modes(), len(board.Calls()), board.LiveSessions())
				board.ResetCalls()
			}
		})
	}

	return remote.NewServer(board.Open, logger).Serve(ctx, ln)
}
