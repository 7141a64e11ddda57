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

func main() {
	usage := fmt.Sprintf(
		`Room compaction worker.

Dequeues compaction tasks, merges pending stream entries into storage and
trims consumed log entries. Any number of workers may run against the same
queue.

Usage:
    sync-worker run [--count=<count>]
        [--redis_url=<redis_url>]
        [--prefix=<prefix>]
        [--storage=<backend>]
        [--min_message_lifetime=<duration>]
        [--task_debounce=<duration>]

Options:
    -h --help                          Show this screen.
    -n --count=<count>                 Workers to run in this process [default: 1].
    --storage=<backend>                Storage backend [default: memory].
    --redis_url=<redis_url>            Redis connection url [default: %s].
    --prefix=<prefix>                  Key prefix for streams and queues [default: %s].
    --min_message_lifetime=<duration>  Minimum stream entry lifetime.
    --task_debounce=<duration>         Minimum spacing between compaction tasks per room.`,
		DefaultRedisUrl,
		DefaultPrefix,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], "0.1.0")
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	count, _ := opts.Int("--count")
	redisUrl, _ := opts.String("--redis_url")
	prefix, _ := opts.String("--prefix")

	busSettings := roomsync.DefaultBusSettings()
	if d, ok := optDuration(opts, "--min_message_lifetime"); ok {
		busSettings.MinMessageLifetime = d
	}
	if d, ok := optDuration(opts, "--task_debounce"); ok {
		busSettings.TaskDebounce = d
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	bus := roomsync.NewRedisBus(ctx, redisUrl, prefix, busSettings)
	defer bus.Close()

	client := roomsync.NewApiClient(ctx, bus, newStorage(opts), roomsync.AutomergeDocType{})
	defer client.Close()

	workers := []*roomsync.Worker{}
	for i := 0; i < count; i += 1 {
		worker := roomsync.NewWorkerWithDefaults(ctx, client)
		workers = append(workers, worker)
		glog.Infof("worker %s started\n", worker.Consumer())
	}

	<-ctx.Done()
	for _, worker := range workers {
		worker.Close()
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
