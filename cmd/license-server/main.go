package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/MacMoment/licensing/internal/app"
	"github.com/MacMoment/licensing/internal/config"
	"github.com/MacMoment/licensing/internal/infrastructure"
	"github.com/MacMoment/licensing/pkg/contracts"
)

func main() {
	configFile := flag.String("config", "", "path to the YAML config file (overrides "+config.ConfigFileEnv+")")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return
	}
	if *configFile != "" {
		if err := os.Setenv(config.ConfigFileEnv, *configFile); err != nil {
			slog.Error("Failed to set config file", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	application, err := app.NewApplication()
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		application.Logger.Error("Application error", slog.String("error", err.Error()))
		_ = infrastructure.CloseLogFile()
		os.Exit(1)
	}
	_ = infrastructure.CloseLogFile()
}
