package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/dtachannel/internal/capture"
	"github.com/yuuki/dtachannel/internal/config"
	"github.com/yuuki/dtachannel/internal/inject"
	"github.com/yuuki/dtachannel/internal/telemetry"
)

func main() {
	flagSet := pflag.NewFlagSet("dta-inject", pflag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dta-inject <keywrite|keyincrement|append|postcard|rdma-write> [flags]\n")
		flagSet.PrintDefaults()
	}
	config.SetupInjectFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("DTA Inject v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultInjectConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadInjectConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Injection failed")
	}
}

func run(cfg *config.InjectConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle, err := capture.OpenInjector(cfg.Interface)
	if err != nil {
		return err
	}
	defer handle.Close()

	injector, err := inject.New(cfg, handle)
	if err != nil {
		return err
	}

	if cfg.MetricsEnabled {
		hostname, _ := os.Hostname()
		metrics, err := telemetry.NewMetrics(ctx, "dta-inject", hostname, cfg.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			injector.SetMetrics(metrics)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metrics.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown metrics")
				}
			}()
		}
	}

	sent, err := injector.Run(ctx)
	log.Info().Int("sent", sent).Msg("Injector stopped")
	return err
}

func initLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
