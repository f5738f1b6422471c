// Package main runs the in-process relay fake as a standalone WebSocket
// server for local development against relayctl or an application.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thejuampi/relay-client-go/relay"
	"github.com/Thejuampi/relay-client-go/relay/fakeserver"
)

var (
	flagAddr      = flag.String("addr", "127.0.0.1:19080", "listen address")
	flagPath      = flag.String("path", "/relay", "WebSocket endpoint path")
	flagUsers     = flag.String("users", "", "named users as user:credential pairs (e.g. 'alice:pw,bob:pw2')")
	flagAnonymous = flag.Bool("anonymous", true, "accept anonymous logins")
	flagReject    = flag.String("reject", "", "comma-separated destinations to refuse with 403")
	flagLogLevel  = flag.String("log-level", "info", "log level")
	flagLogFormat = flag.String("log-format", "text", "log format (text|json)")
)

func parseUsers(list string) (map[string]string, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		username, credential, ok := strings.Cut(pair, ":")
		if !ok || username == "" || credential == "" {
			return nil, errors.New("invalid user entry " + pair)
		}
		users[username] = credential
	}
	return users, nil
}

func newServer(logger logrus.FieldLogger) (*fakeserver.Server, error) {
	server := fakeserver.New(logger)
	users, err := parseUsers(*flagUsers)
	if err != nil {
		return nil, err
	}
	for username, credential := range users {
		server.AddUser(username, credential)
	}
	server.SetAllowAnonymous(*flagAnonymous)
	for _, destination := range strings.Split(*flagReject, ",") {
		if destination = strings.TrimSpace(destination); destination != "" {
			server.RejectDestination(destination)
		}
	}
	return server, nil
}

func main() {
	flag.Parse()

	logger, err := relay.NewLogger(relay.LogSettings{Level: *flagLogLevel, Format: *flagLogFormat})
	if err != nil {
		logrus.WithError(err).Fatal("fakerelay: invalid log settings")
	}
	server, err := newServer(logger.WithField("component", "fakerelay"))
	if err != nil {
		logger.WithError(err).Fatal("fakerelay: invalid flags")
	}

	mux := http.NewServeMux()
	mux.Handle(*flagPath, server)
	httpServer := &http.Server{
		Addr:              *flagAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("fakerelay: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Close()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.WithFields(logrus.Fields{
		"addr":      *flagAddr,
		"path":      *flagPath,
		"anonymous": *flagAnonymous,
	}).Info("fakerelay: listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("fakerelay: serve failed")
	}
}
