// Package main is the entry point for the nexusbus event bus core. It
// accepts a single listen-address argument, wires the configured buses
// behind a JSON-RPC HTTP surface, and shuts them down on interrupt.
//
// The HTTP transport is deliberately thin: it decodes a request, calls
// rpcapi.Dispatch, and encodes the response. Everything that matters —
// routing, rules, storage, admission control — lives in the eventbus
// packages this binary wires together.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/config"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/bus"
	"github.com/nexusbus/nexusbus/internal/eventbus/manager"
	"github.com/nexusbus/nexusbus/internal/eventbus/rpcapi"
)

const defaultListenAddr = "127.0.0.1:8080"

func main() {
	listenAddr := defaultListenAddr
	if len(os.Args) > 1 {
		listenAddr = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	mgr, err := manager.New(cfg.Manager.ToManagerConfig(), log)
	if err != nil {
		log.Fatal("failed to construct manager", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Start(ctx); err != nil {
		log.Fatal("failed to start manager", zap.Error(err))
	}
	log.Info("buses started", zap.Strings("buses", mgr.BusNames()))

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      newMux(mgr, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", listenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Error("manager stop error", zap.Error(err))
	}
	log.Info("nexusbus stopped")
}

// newMux wires one JSON-RPC endpoint and one metrics endpoint per
// configured bus, plus a health check. The default bus is also reachable
// at the unqualified paths so a single-bus deployment needs no bus name
// in its URLs.
func newMux(mgr *manager.Manager, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	for _, name := range mgr.BusNames() {
		b, err := mgr.Bus(name)
		if err != nil {
			continue
		}
		mux.Handle(fmt.Sprintf("/buses/%s/rpc", name), rpcHandler(b, log))
		mux.Handle(fmt.Sprintf("/buses/%s/metrics", name), b.MetricsHandler())
	}

	if def := mgr.DefaultBus(); def != nil {
		mux.Handle("/rpc", rpcHandler(def, log))
		mux.Handle("/metrics", def.MetricsHandler())
	}

	return mux
}

// rpcHandler decodes one rpcapi.Request per POST body, dispatches it
// against b, and encodes the rpcapi.Response. It does not support
// batched requests or persistent connections; a collaborator transport
// wanting those framing semantics would replace this handler, not
// rpcapi.Dispatch itself.
func rpcHandler(b *bus.Bus, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req rpcapi.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeRPCError(w, nil, &rpcapi.Error{Code: -32700, Message: "parse error"})
			return
		}

		result, rpcErr := rpcapi.Dispatch(r.Context(), b, req.Method, req.Params)
		if rpcErr != nil {
			log.Warn("rpc dispatch failed", zap.String("method", req.Method), zap.Error(rpcErr))
			writeRPCError(w, req.ID, rpcapi.ToWireError(rpcErr))
			return
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			writeRPCError(w, req.ID, &rpcapi.Error{Code: -32603, Message: "failed to encode result"})
			return
		}

		writeJSON(w, rpcapi.Response{JSONRPC: "2.0", ID: req.ID, Result: resultJSON})
	}
}

func writeRPCError(w http.ResponseWriter, id any, rpcErr *rpcapi.Error) {
	writeJSON(w, rpcapi.Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

func writeJSON(w http.ResponseWriter, resp rpcapi.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
