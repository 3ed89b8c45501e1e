// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command psrpcd connects a psrpc client to a broker and exposes it over
// JSON-RPC on HTTP, with Prometheus metrics and gRPC health checks. With
// -call it instead invokes a running daemon and prints the reply.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/luxfi/psrpc"
	"github.com/luxfi/psrpc/internal/config"
	"github.com/luxfi/psrpc/internal/gateway"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	showVersion bool
	configPath  string
	httpAddr    string
	grpcAddr    string
	call        string
	params      string
	dispatch    bool
	endpoint    string
}

func main() {
	var f flags
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.StringVar(&f.configPath, "config", "", "path to psrpc.yaml (optional)")
	flag.StringVar(&f.httpAddr, "http-addr", "", "JSON-RPC and metrics listen address override")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC health listen address override")
	flag.StringVar(&f.call, "call", "", "publish this pattern through a running daemon and exit")
	flag.StringVar(&f.params, "params", "", "JSON data for -call")
	flag.BoolVar(&f.dispatch, "dispatch", false, "send -call as a fire-and-forget event")
	flag.StringVar(&f.endpoint, "endpoint", "http://127.0.0.1:8080/rpc", "daemon endpoint for -call")
	flag.Parse()

	if f.showVersion {
		fmt.Printf("psrpcd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if f.call != "" {
		err = runCall(ctx, f)
	} else {
		err = runDaemon(ctx, f)
	}
	if err != nil {
		slog.Error("psrpcd failed", "error", err)
		os.Exit(1)
	}
}

func runCall(ctx context.Context, f flags) error {
	uri, err := url.Parse(f.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	args := gateway.PublishArgs{Pattern: f.call}
	if f.params != "" {
		if !json.Valid([]byte(f.params)) {
			return errors.New("-params is not valid JSON")
		}
		args.Data = json.RawMessage(f.params)
	}

	if f.dispatch {
		return gateway.Dispatch(ctx, uri, args)
	}
	reply, err := gateway.Publish(ctx, uri, args)
	if err != nil {
		return err
	}
	fmt.Println(string(reply.Response))
	return nil
}

func runDaemon(ctx context.Context, f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.httpAddr != "" {
		cfg.Gateway.HTTPAddr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.Gateway.GRPCAddr = f.grpcAddr
	}

	log := cfg.Log.Logger(os.Stderr)
	slog.SetDefault(log)
	log.Info("psrpcd starting", "version", version, "config_path", f.configPath)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := psrpc.NewClient(cfg.Client.PSRPC(), cfg.Client.Options(log, reg)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("psrpc client close failed", "error", err)
		}
	}()
	if _, err := client.Connect(ctx); err != nil {
		return err
	}

	handler, err := gateway.NewHandler(gateway.NewBridge(client, cfg.Gateway.CallTimeout, log))
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", handler)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	httpSrv := &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitor := gateway.NewHealthMonitor(gateway.ServiceName, client, cfg.Gateway.HealthInterval, log)
	grpcSrv := grpc.NewServer()
	monitor.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.Gateway.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("gateway listening", "addr", cfg.Gateway.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		log.Info("health listening", "addr", grpcLis.Addr().String())
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errs <- fmt.Errorf("serve grpc: %w", err)
		}
	}()
	go monitor.Run(ctx)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errs:
	}

	log.Info("psrpcd stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown failed", "error", serr)
	}
	grpcSrv.GracefulStop()
	return err
}
