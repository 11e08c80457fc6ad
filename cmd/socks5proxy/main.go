// Package main implements the SOCKS5 proxy server daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"socks5proxy/pkg/config"
	"socks5proxy/pkg/names"
	"socks5proxy/pkg/proxy"
)

// Exit codes.
const (
	Success    = 0 // normal shutdown, including after a signal
	FatalError = 1 // configuration or startup failure
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the proxy configuration file")
	flag.Parse()

	configureLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(FatalError)
	}

	resolver := buildResolver(cfg)

	// Interactive interrupt triggers graceful shutdown, not process exit.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
	}()

	server := proxy.New(cfg, resolver)
	if err := server.Listen(); err != nil {
		log.Error().Err(err).Str("listen", cfg.ListenAddr()).Msg("bind failed")
		os.Exit(FatalError)
	}

	if err := server.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(FatalError)
	}
	os.Exit(Success)
}

// buildResolver constructs the friendly-name resolver and logs one warning
// per defect class, as the entries are decoration and never fatal.
func buildResolver(cfg *config.Config) *names.Resolver {
	mappings := make([]names.Mapping, 0, len(cfg.IPAddressMappings))
	for _, m := range cfg.IPAddressMappings {
		mappings = append(mappings, names.Mapping{Address: m.IPAddress, Label: m.FriendlyName})
	}

	resolver, report := names.New(mappings)
	if len(report.Invalid) > 0 {
		log.Warn().
			Str("entries", strings.Join(report.Invalid, ", ")).
			Msg("dropping unparseable IP address mappings")
	}
	if len(report.Duplicates) > 0 {
		log.Warn().
			Str("entries", strings.Join(report.Duplicates, ", ")).
			Msg("duplicate IP address mappings, last occurrence wins")
	}
	return resolver
}

// configureLogging sets up zerolog from the optional appsettings file.
func configureLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	settings, err := config.LoadAppSettings(config.DefaultAppSettingsPath)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable appsettings")
		return
	}
	if settings.Logging.Level != "" {
		level, perr := zerolog.ParseLevel(strings.ToLower(settings.Logging.Level))
		if perr != nil {
			log.Warn().Str("level", settings.Logging.Level).Msg("unknown log level, keeping info")
		} else {
			zerolog.SetGlobalLevel(level)
		}
	}
	if settings.Logging.TimeFormat != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: settings.Logging.TimeFormat,
		})
	}
}
