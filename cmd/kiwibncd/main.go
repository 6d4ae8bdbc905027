// Command kiwibncd is the bouncer server entrypoint: load an scfg config
// file, open the configured persistence backend, and serve downstream
// listeners until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hixio-mh/kiwibnc"
)

func main() {
	configPath := flag.String("config", "/etc/kiwibnc/config", "path to the scfg config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	metricsListen := flag.String("metrics-listen", "", "address to serve /metrics on, empty disables metrics")
	flag.Parse()

	f, err := os.Open(*configPath)
	if err != nil {
		log.Fatalf("kiwibncd: failed to open config: %v", err)
	}
	cfg, err := kiwibnc.LoadConfig(f)
	f.Close()
	if err != nil {
		log.Fatalf("kiwibncd: %v", err)
	}
	cfg.Debug = cfg.Debug || *debug

	logf := kiwibnc.NewLogger(os.Stderr, cfg.Debug)

	db, creds, err := openDatabase(cfg)
	if err != nil {
		logf.Printf("failed to open database: %v", err)
		os.Exit(1)
	}

	srv := kiwibnc.NewServer(cfg, db, creds, logf)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		logf.Printf("failed to resume upstream connections: %v", err)
	}

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(*metricsListen, mux); err != nil {
				logf.Printf("metrics listener stopped: %v", err)
			}
		}()
	}

	for _, addr := range cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logf.Printf("failed to listen on %s: %v", addr, err)
			os.Exit(1)
		}
		logf.Printf("listening on %s", addr)
		go func() {
			if err := srv.Serve(ln, len(cfg.AcceptProxyIPs) > 0); err != nil {
				logf.Printf("listener %s stopped: %v", addr, err)
			}
		}()
	}

	for _, addr := range cfg.HTTPListen {
		mux := http.NewServeMux()
		mux.HandleFunc("/socket", srv.ServeHTTP)
		httpSrv := &http.Server{Addr: addr, Handler: mux}
		logf.Printf("listening (http) on %s", addr)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logf.Printf("http listener %s stopped: %v", addr, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logf.Printf("shutting down")
	srv.Shutdown()
}

func openDatabase(cfg *kiwibnc.Config) (kiwibnc.Database, kiwibnc.CredentialStore, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := kiwibnc.OpenPostgresDB(cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		return db, kiwibnc.PostgresCredentialStore(db), nil
	default:
		db, err := kiwibnc.OpenSqliteDB(cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		return db, kiwibnc.SqliteCredentialStore(db), nil
	}
}
