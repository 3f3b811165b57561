package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Set up command line flags
	logLevelStr := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error, fatal, panic")
	envFile := flag.String("env-file", "", "Optional .env file to load before reading configuration")
	flag.Parse()

	// Set up zerolog
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	// Parse log level
	logLevel, err := zerolog.ParseLevel(*logLevelStr)
	if err != nil {
		// Default to info if invalid level
		logLevel = zerolog.InfoLevel
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", *logLevelStr)
	}
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()

	log.Info().
		Str("level", logLevel.String()).
		Msg("Logger initialized")

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatal().Err(err).Str("file", *envFile).Msg("Could not load env file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.LogSettings()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Debug().Msg("Creating recruitment bot")
	bot, err := NewRecruitBot(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating recruitment bot")
	}

	health := NewHealthServer(bot, cfg.HealthPort)
	health.Start(ctx)

	log.Info().Msg("Starting recruitment bot...")
	if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Bot stopped with error")
	}

	log.Info().Msg("Shutting down, flushing event log")
	bot.Stop()
}
