package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strconv"

	"github.com/ringo-is-a-color/seqproxy/conf"
	"github.com/ringo-is-a-color/seqproxy/metrics"
	"github.com/ringo-is-a-color/seqproxy/proxy"
	"github.com/ringo-is-a-color/seqproxy/util/cli"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"github.com/ringo-is-a-color/seqproxy/util/netutil"
	"github.com/ringo-is-a-color/seqproxy/util/notify"
	"github.com/ringo-is-a-color/seqproxy/util/osutil"
)

func main() {
	args := cli.Parse()
	config, err := loadConfig(args)
	if err != nil {
		fmt.Println(err)
		osutil.Exit(1)
	}
	logger, err := setupLogger(config, args.Verbose)
	if err != nil {
		fmt.Println(err)
		osutil.Exit(1)
	}
	log.Debug("loaded config", "frontend", config.Frontend.Path, "backend", config.Backend.Address.Addr,
		"initial-buffer-size", config.Relay.InitialBufferSize, "max-message-size", config.Relay.MaxMessageSize)
	// closes the front-end socket, which removes its file, on a fatal exit
	osutil.RegisterProgramTerminationHandler(netutil.StopAllServerListeners)

	ctx, cancel := osutil.ContextWithTerminationSignal(context.Background())
	defer cancel()

	notifier, err := notify.FromEnv(ctx, logger)
	if err != nil {
		log.WarnWithError("fail to open the notification socket", err)
	}
	osutil.RegisterProgramTerminationHandler(func() {
		err := notifier.Close()
		if err != nil {
			log.Error("fail to close the notification socket", "err", err)
		}
	})

	var m *metrics.Metrics
	if config.Misc.Metrics {
		m = metrics.New()
		go serveMetrics(ctx, m, config.Misc.MetricsPort)
	}
	if config.Misc.Profiling {
		go func() {
			err := netutil.ListenHTTPAndServe(ctx, ":"+strconv.Itoa(config.Misc.ProfilingPort), nil)
			if err != nil {
				log.InfoWithError("profiling is unavailable", err)
			}
		}()
	}

	p, err := proxy.New(logger, &proxy.Config{
		FrontendPath:      config.Frontend.Path,
		Backend:           config.Backend.Address.Addr,
		InitialBufferSize: config.Relay.InitialBufferSize,
		MaxMessageSize:    config.Relay.MaxMessageSize,
		ListenSuccessCallback: func(addr net.Addr) {
			err := notifier.Notify(notify.ReadyCode)
			if err != nil {
				log.WarnWithError("fail to send the ready notification", err)
			}
		},
		Metrics: m,
	})
	if err != nil {
		log.Fatal("fail to create the proxy", err)
	}
	err = p.EnterLoop(ctx)
	p.Destroy()
	if err != nil {
		log.Fatal("the proxy stopped unexpectedly", err)
	}
	log.Info("stopped")
	osutil.Exit(0)
}

func loadConfig(args cli.Args) (*conf.Config, error) {
	if args.ConfigFile == "" {
		return conf.FromArgs(args.Pipe, args.Socket)
	}
	config, err := conf.Parse(args.ConfigFile)
	if err != nil {
		return nil, err
	}
	err = config.Override(args.Pipe, args.Socket)
	if err != nil {
		return nil, err
	}
	return config, conf.Validate(config)
}

func setupLogger(config *conf.Config, verbose bool) (*log.Logger, error) {
	verbose = verbose || config.Misc.VerboseLog
	level, err := log.ParseLevel(config.Misc.LogLevel)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = log.LevelTrace
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level, ReplaceAttr: log.ReplaceLevelNames})
	slog.SetDefault(slog.New(handler))
	log.SetVerbose(verbose)
	return log.Default(), nil
}

func serveMetrics(ctx context.Context, m *metrics.Metrics, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	err := netutil.ListenHTTPAndServe(ctx, ":"+strconv.Itoa(port), mux)
	if err != nil {
		log.WarnWithError("fail to start the metrics server", err)
	}
}
