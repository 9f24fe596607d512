package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/dtachannel/internal/config"
	"github.com/yuuki/dtachannel/internal/translator"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rdma-bootstrap", pflag.ExitOnError)
	config.SetupBootstrapFlags(flagSet)

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(translator.ExitFailure)
	}

	// Handle version flag
	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("DTA RDMA Bootstrap v0.1.0")
		os.Exit(translator.ExitOK)
	}

	// Handle create-config flag
	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultBootstrapConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(translator.ExitFailure)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(translator.ExitOK)
	}

	// Load configuration
	cfg, err := config.LoadBootstrapConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(translator.ExitFailure)
	}

	t, err := translator.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create translator")
	}

	if err := t.Run(); err != nil {
		log.Error().Err(err).Msg("RDMA bootstrap failed")
		os.Exit(translator.ExitCode(err))
	}
}
