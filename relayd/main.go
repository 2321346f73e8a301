package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/webdeckbuilding/roomsync/relay"
)

const RelaydVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Room relay.

Serves room tokens at /auth/token, room websockets at /rooms/<room>
and metrics at /metrics. Clients use the same address as server and auth url:
    ROOMSYNC_SERVER_URL=ws://<addr>/rooms
    ROOMSYNC_AUTH_URL=http://<addr>

Usage:
    relayd [--addr=<addr>] [--jwt_secret=<jwt_secret>] [--token_timeout=<token_timeout>] [--v=<level>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --addr=<addr>                    Listen address [default: :8080].
    --jwt_secret=<jwt_secret>        HS256 secret for room tokens. Random when not set,
                                     which invalidates tokens on restart.
    --token_timeout=<token_timeout>  Room token lifetime [default: %s].
    --v=<level>                      Log verbosity [default: 0].`, relay.DefaultRelaySettings().TokenTimeout)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelaydVersion)
	if err != nil {
		panic(err)
	}

	if level, _ := opts.String("--v"); level != "" {
		flag.Set("logtostderr", "true")
		flag.Set("v", level)
	}
	defer glog.Flush()

	settings := relay.DefaultRelaySettings()
	if secret, _ := opts.String("--jwt_secret"); secret != "" {
		settings.JwtSecret = []byte(secret)
	}
	if tokenTimeoutStr, _ := opts.String("--token_timeout"); tokenTimeoutStr != "" {
		tokenTimeout, err := time.ParseDuration(tokenTimeoutStr)
		if err != nil {
			Err.Fatalf("Invalid token timeout %q: %s", tokenTimeoutStr, err)
		}
		settings.TokenTimeout = tokenTimeout
	}
	addr, _ := opts.String("--addr")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := relay.NewRelay(ctx, settings)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		Out.Printf("Relay listening on %s\n", addr)
		return r.Serve(groupCtx, addr)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		Out.Printf("Relay shutting down\n")
		return nil
	})

	if err := group.Wait(); err != nil {
		Err.Fatalf("Relay error: %s", err)
	}
}
