// Command tealdb runs a standalone teal server.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tealdb/teal"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:5432", "listen address")
		dataPath    = flag.String("data", "teal.db", "path to the database file")
		loops       = flag.Int("loops", 0, "event loops (0 = one per CPU)")
		workers     = flag.Int("workers", 0, "executor workers (0 = four per CPU)")
		auth        = flag.String("auth", teal.AuthTrust, "auth method: trust, password or md5")
		password    = flag.String("password", "", "password for the password and md5 auth methods")
		tlsCert     = flag.String("tls-cert", "", "path to the TLS certificate")
		tlsKey      = flag.String("tls-key", "", "path to the TLS private key")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		logFile     = flag.String("log-file", "", "log to this file with rotation instead of stderr only")
		logLevel    = flag.String("log-level", "info", "minimum log level")
	)
	flag.Parse()

	log, err := buildLogger(*logFile, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	srv, err := teal.NewServer(teal.Config{
		Addr:     *addr,
		DataPath: *dataPath,
		Loops:    *loops,
		Workers:  *workers,
		Auth:     *auth,
		Password: *password,
		TLSCert:  *tlsCert,
		TLSKey:   *tlsKey,
	}, log)
	if err != nil {
		log.Fatal("configure server", zap.Error(err))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics endpoint exited", zap.Error(err))
			}
		}()
		log.Info("metrics listening", zap.String("addr", *metricsAddr))
	}

	if err := srv.Start(); err != nil {
		log.Fatal("start server", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	if err := srv.Close(); err != nil {
		log.Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(file, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("tealdb: parse log level: %w", err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	sink := zapcore.Lock(os.Stderr)
	var core zapcore.Core
	if file != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		})
		core = zapcore.NewTee(
			zapcore.NewCore(zapcore.NewJSONEncoder(enc), rotated, lvl),
			zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, lvl),
		)
	} else {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, lvl)
	}
	return zap.New(core), nil
}
