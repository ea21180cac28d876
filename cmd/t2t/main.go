package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// cleanup runs in reverse order after the command finishes.
var cleanup []func()

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "t2t",
		Usage: "Train and score Transformer language and translation models",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "yaml file with run options"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: "info"},
			&cli.BoolFlag{Name: "otel", Usage: "enable OpenTelemetry tracing (stdout)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address (e.g. :9100)"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write cpu profile to file"},
		},
		Before: setup,
		After: func(ctx context.Context, c *cli.Command) error {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
			cleanup = nil
			return nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			trainCmd(),
			testCmd(),
			inspectCmd(),
			genCmd(),
		},
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().Run(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal().Err(err).Msg("t2t failed")
	}
}

func setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	if err := setLogLevel(c.String("log-level")); err != nil {
		return ctx, err
	}

	if c.Bool("otel") {
		shutdown, err := initTracer()
		if err != nil {
			return ctx, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		})
	}

	if path := c.String("cpuprofile"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return ctx, fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return ctx, fmt.Errorf("could not start CPU profile: %w", err)
		}
		cleanup = append(cleanup, func() {
			pprof.StopCPUProfile()
			f.Close()
		})
	}

	if addr := c.String("metrics-addr"); addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		cleanup = append(cleanup, func() { srv.Close() })
	}
	return ctx, nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func setLogLevel(s string) error {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid log level %q", s)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("t2t"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
