package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"roomsync.dev/roomsync"
)

const DefaultRedisUrl = "redis://localhost:6379"
const DefaultPrefix = "y"
const DefaultPort = 3002

func main() {
	usage := fmt.Sprintf(
		`Room sync websocket server.

Rooms are addressed by url path. Clients carry the bearer token in a
yauth-<token> websocket subprotocol.

Usage:
    sync-server serve --auth_public_key=<path> --perm_callback_url=<url>
        [--port=<port>]
        [--redis_url=<redis_url>]
        [--prefix=<prefix>]
        [--storage=<backend>]
        [--min_message_lifetime=<duration>]
        [--task_debounce=<duration>]

Options:
    -h --help                          Show this screen.
    --auth_public_key=<path>           PEM encoded public key for token verification.
    --perm_callback_url=<url>          Base url of the permission callback service.
    -p --port=<port>                   Listen port [default: %d].
    --storage=<backend>                Storage backend [default: memory].
    --redis_url=<redis_url>            Redis connection url [default: %s].
    --prefix=<prefix>                  Key prefix for streams and queues [default: %s].
    --min_message_lifetime=<duration>  Minimum stream entry lifetime.
    --task_debounce=<duration>         Minimum spacing between compaction tasks per room.`,
		DefaultPort,
		DefaultRedisUrl,
		DefaultPrefix,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "0.1.0")
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	redisUrl, _ := opts.String("--redis_url")
	prefix, _ := opts.String("--prefix")
	authPublicKeyPath, _ := opts.String("--auth_public_key")
	permCallbackUrl, _ := opts.String("--perm_callback_url")

	busSettings := roomsync.DefaultBusSettings()
	if d, ok := optDuration(opts, "--min_message_lifetime"); ok {
		busSettings.MinMessageLifetime = d
	}
	if d, ok := optDuration(opts, "--task_debounce"); ok {
		busSettings.TaskDebounce = d
	}

	pemBytes, err := os.ReadFile(authPublicKeyPath)
	if err != nil {
		glog.Errorf("read auth public key = %s\n", err)
		os.Exit(1)
	}
	publicKey, err := roomsync.ParseAuthPublicKey(pemBytes)
	if err != nil {
		glog.Errorf("parse auth public key = %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	bus := roomsync.NewRedisBus(ctx, redisUrl, prefix, busSettings)
	defer bus.Close()

	client := roomsync.NewApiClient(ctx, bus, newStorage(opts), roomsync.AutomergeDocType{})
	defer client.Close()

	authGate := roomsync.NewAuthGateWithDefaults(publicKey, permCallbackUrl)

	server := roomsync.NewServerWithDefaults(ctx, client, authGate)
	defer server.Close()

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		glog.Infof("server exit = %s\n", err)
	}
}

func newStorage(opts docopt.Opts) roomsync.Storage {
	backend, _ := opts.String("--storage")
	switch backend {
	case "", "memory":
		return roomsync.NewMemoryStorage()
	default:
		glog.Errorf("unknown storage backend %q\n", backend)
		os.Exit(1)
		return nil
	}
}

func optDuration(opts docopt.Opts, name string) (time.Duration, bool) {
	s, err := opts.String(name)
	if err != nil || s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		glog.Errorf("bad duration for %s = %s\n", name, err)
		os.Exit(1)
	}
	return d, true
}
