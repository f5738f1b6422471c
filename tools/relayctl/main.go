// Package main is an interactive client for a relay server: it connects a
// named relay client and lets an operator queue, inspect and cancel items.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay"
)

var (
	flagConfig  = flag.String("config", "", "settings file (.yaml, .yml or .toml)")
	flagName    = flag.String("name", "", "client instance name (overrides the settings file)")
	flagURI     = flag.String("uri", "", "server uri (overrides the settings file)")
	flagDataDir = flag.String("data-dir", "", "data directory (overrides the settings file)")
	flagSecret  = flag.String("secret", "", "outbox encryption secret (overrides the settings file)")
)

func loadSettings() (relay.Settings, error) {
	settings := relay.DefaultSettings()
	if *flagConfig != "" {
		loaded, err := relay.LoadSettings(*flagConfig)
		if err != nil {
			return settings, err
		}
		settings = loaded
	}
	if *flagName != "" {
		settings.Name = *flagName
	}
	if *flagURI != "" {
		settings.URI = *flagURI
	}
	if *flagDataDir != "" {
		settings.DataDir = *flagDataDir
	}
	if *flagSecret != "" {
		settings.StaticSecret = *flagSecret
	}
	if secret := os.Getenv("RELAY_STATIC_SECRET"); settings.StaticSecret == "" && secret != "" {
		settings.StaticSecret = secret
	}
	return settings, nil
}

func newRegistry(settings relay.Settings, logger logrus.FieldLogger) (*relay.Registry, error) {
	return relay.NewRegistry(settings, relay.RegistryOptions{
		NewTransport: func(settings relay.Settings) (relay.Transport, error) {
			return relay.NewWebSocketTransport(settings, logger)
		},
		Logger: logger,
	})
}

func run() error {
	flag.Parse()
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger, err := relay.NewLogger(settings.Log)
	if err != nil {
		return err
	}

	registry, err := newRegistry(settings, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	client, err := registry.Client(settings.Name)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shell := newShell(client, os.Stdout)
	client.Subscribe(relay.ListenerFuncs{
		OnEvent: func(client *relay.Client, event relay.ConnectionEvent) {
			logger.WithFields(logrus.Fields{"client": client.Name(), "event": event.String()}).Debug("relayctl: event")
		},
	})
	return shell.Run(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}
