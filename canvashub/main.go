package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentoboard/canvas/hub"
)

const CanvasHubVersion = "0.1.0"

func main() {
	usage := `Canvas realtime hub.

Relays presence and canvas activity between collaborators on a project
channel. With a redis_url configured, multiple hub instances fan out
through redis pub/sub.

Usage:
    canvashub [--config=<config>] [--listen=<listen>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Path to a toml config file.
    --listen=<listen>    Listen address, overrides the config file.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasHubVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Parse()

	configPath, _ := opts.String("--config")
	config, err := hub.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("config error = %s\n", err)
		os.Exit(1)
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Listen = listen
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.NewHub(cancelCtx, config.HubSettings())
	defer h.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    config.Listen,
		Handler: mux,
	}

	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigC:
		case <-cancelCtx.Done():
		}
		server.Close()
	}()

	glog.Infof("canvashub listening on %s\n", config.Listen)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		glog.Errorf("server error = %s\n", err)
		os.Exit(1)
	}
}
