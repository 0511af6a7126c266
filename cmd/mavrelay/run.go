package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/temoto/mavrelay/log2"
	"github.com/temoto/mavrelay/relay"
)

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run relay as service",
		Long:  "Opens configured links, supervises vehicles and serves /metrics until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, f)
		},
	}
}

func runRun(cmd *cobra.Command, f *flags) error {
	// under systemd assume journal logging, no timestamp
	service := sdnotify("STATUS=start")
	log := newLog(cmd.ErrOrStderr(), f.debug, service)
	cfg, err := loadConfig(cmd, log, f)
	if err != nil {
		return err
	}

	ctx, r := relay.NewContext(log, cmd.OutOrStdout())
	if err := r.Init(ctx, cfg); err != nil {
		// partial start is useful, failed vehicles and modules can be added later
		r.Error(err, "relay init")
	}

	var srv *http.Server
	if cfg.MetricsListen != "" {
		srv = serveMetrics(log, cfg.MetricsListen)
	}

	sdnotify(daemon.SdNotifyReady)
	log.Infof("relay running vehicles=%v", r.Registry().List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		log.Infof("signal=%v stopping", s)
	case <-r.Alive.StopChan():
	}

	sdnotify(daemon.SdNotifyStopping)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Error(srv.Shutdown(shutdownCtx), "metrics shutdown")
	}
	return errors.Annotate(r.Close(), "relay close")
}

func serveMetrics(log *log2.Log, listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics listen=%s err=%v", listen, err)
		}
	}()
	log.Infof("metrics listen=%s", listen)
	return srv
}
