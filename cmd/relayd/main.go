// Command relayd runs the multi-service TCP/UDP relay described by a YAML
// configuration file: accept the config path as a flag, wire a
// dnscache.Resolver, svcmanager.Manager and relayconfig.Watcher together,
// and handle graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/So0ni/async-relay/internal/dnscache"
	"github.com/So0ni/async-relay/internal/relayconfig"
	"github.com/So0ni/async-relay/internal/svcmanager"
)

type options struct {
	configFile string
	logLevel   string
	reload     bool
	debounce   time.Duration
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	opts := &options{}
	fs.StringVarP(&opts.configFile, "config", "c", "", "path to the relay configuration YAML file (required)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "logrus log level (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.reload, "watch", true, "watch the configuration file and hot-reload on change")
	fs.DurationVar(&opts.debounce, "reload-debounce", relayconfig.DefaultDebounce, "debounce window for config file reloads")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.configFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	snap, err := relayconfig.Load(opts.configFile)
	if err != nil {
		logrus.WithError(err).Error("relayd: failed to load configuration")
		return 1
	}

	resolver, err := dnscache.New(dnscache.DefaultTTL)
	if err != nil {
		logrus.WithError(err).Error("relayd: failed to initialize dns resolver")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resolver.StartRefresher(ctx)
	defer resolver.StopRefresher()

	mgr := svcmanager.New(resolver)
	mgr.Apply(ctx, snap)
	if anyServiceRunning(mgr) == 0 && len(snap.Services) > 0 {
		logrus.Error("relayd: no service could be started")
		return 1
	}

	var watcher *relayconfig.Watcher
	if opts.reload {
		watcher, err = relayconfig.NewWatcher(opts.configFile, opts.debounce)
		if err != nil {
			logrus.WithError(err).Warn("relayd: config watcher unavailable, continuing without hot reload")
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
			go watchLoop(ctx, mgr, watcher)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.WithField("signal", sig).Info("relayd: shutting down")

	mgr.Shutdown(ctx)
	return 0
}

func watchLoop(ctx context.Context, mgr *svcmanager.Manager, w *relayconfig.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-w.Snapshots():
			if !ok {
				return
			}
			logrus.Info("relayd: applying reloaded configuration")
			mgr.Apply(ctx, snap)
		}
	}
}

func anyServiceRunning(mgr *svcmanager.Manager) int {
	return len(mgr.Snapshot())
}
