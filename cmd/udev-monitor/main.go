package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

func main() {
	os.Exit(run())
}

func run() int {
	appContext, appCancel := context.WithCancel(context.Background())
	appWaitGroup := &sync.WaitGroup{}
	defer klog.Flush()
	defer appWaitGroup.Wait()
	defer appCancel()

	flags := initFlags()

	app, err := newApp(appContext, appWaitGroup, flags.config, os.Stdout)
	if err != nil {
		klog.Errorf("failed to create monitor: %v", err)
		return 1
	}
	defer app.shutdown()

	if err := app.start(); err != nil {
		klog.Errorf("failed to start: %v", err)
		return 1
	}

	if flags.config.Listen != "" {
		server := &http.Server{Addr: flags.config.Listen, Handler: app.handler()}
		klog.Infof("Starting /healthz and /metrics server on %s", flags.config.Listen)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("failed to serve %s: %v", flags.config.Listen, err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				klog.Errorf("failed to shut down http server: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		klog.Infof("Received signal %q, shutting down", sig.String())
	case <-app.done():
	}

	if err := app.shutdown(); err != nil {
		klog.Errorf("observer terminated with error: %v", err)
		return 1
	}
	return 0
}

type FlagValues struct {
	Config ConfigFlag

	config *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet(programName, flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin"), defaults apply when omitted`)
	flags.Parse(os.Args[1:])

	if values.Config.configSource == nil {
		values.config = defaultConfig()
		if err := values.config.validate(); err != nil {
			klog.Fatalf("invalid default config: %v", err)
		}
		return values
	}

	configReader, configCloser, err := values.Config.open()
	if err != nil {
		klog.Fatalf("failed to open --config %q: %v", values.Config.String(), err)
	}
	defer configCloser()

	config, err := parseConfig(configReader)
	if err != nil {
		klog.Fatalf("failed to parse --config %q: %v", values.Config.String(), err)
	}

	values.config = config

	return values
}
