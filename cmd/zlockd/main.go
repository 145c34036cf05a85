// Command zlockd runs the zlock networked advisory lock daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/zlock/internal/transport"
	"github.com/joeycumines/zlock/internal/zlock"
)

// Grounded on ethereum-go-ethereum's internal/flags + cmd/geth App/Flag
// idiom: a urfave/cli/v2 App with a single Action, rather than the bare
// flag package zprocess's `if __name__ == '__main__':` block gets away
// with in Python.
func main() {
	app := &cli.App{
		Name:  "zlockd",
		Usage: "networked advisory lock daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "address",
				Value: "0.0.0.0",
				Usage: "bind address",
			},
			&cli.IntFlag{
				Name:  "port",
				Value: 0,
				Usage: "bind port (0 picks a random free port, matching bind_to_random_port)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "error, warning, info, or debug",
			},
		},
		Action: run,
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "zlockd:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	address := c.String("address")
	port := c.Int("port")

	level, err := parseLogLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	log := zlock.NewLogger(os.Stderr, level)

	router, err := transport.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	srv := zlock.NewServer(router, log)
	printBanner(address, srv.Addr())

	// Signal-driven shutdown and the event loop itself are joined through
	// an errgroup, mirroring the listener-accept-loop +
	// OS-signal-driven-shutdown pairing ethereum-go-ethereum's node
	// lifecycle runs concurrently and joins on exit.
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A wire `stop` is never honored until RequestStop arms it (SPEC_FULL.md
	// §9) — remote peers can never shut this daemon down. Only Serve's own
	// ctx-cancellation path (SIGINT/SIGTERM above) calls Shutdown, which
	// arms it and unblocks the loop; no other caller here ever does.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// InvalidState/ReuseAfterInvalid are programmer bugs (SPEC_FULL.md
		// §7): the loop panics rather than swallowing them. Converted here
		// to a fatal log line plus os.Exit(2), never recovered into a
		// normal error return.
		defer func() {
			if r := recover(); r != nil {
				log.Err().Str("panic", fmt.Sprint(r)).Log("fatal invariant violation, aborting")
				os.Exit(2)
			}
		}()
		if err := srv.Serve(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func printBanner(address string, addr net.Addr) {
	host, port := address, ""
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = fmt.Sprintf("%d", tcp.Port)
	} else if addr != nil {
		_, port, _ = net.SplitHostPort(addr.String())
	}
	fmt.Printf("This is zlock server, running on %s:%s\n", host, port)
}

func parseLogLevel(s string) (logiface.Level, error) {
	switch s {
	case "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "info", "":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}
