// Package main is the entry point for the llmproxy server.
package main

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/llmproxy/internal/config"
	"github.com/howard-nolan/llmproxy/internal/policy"
	"github.com/howard-nolan/llmproxy/internal/provider"
	"github.com/howard-nolan/llmproxy/internal/ratelimit"
	"github.com/howard-nolan/llmproxy/internal/server"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.Log.Level).Warn("unknown log level, using info")
	}

	// A missing credential is loud at startup but not fatal: the server
	// still answers /health, and chat requests get a clean
	// server_configuration_error until an operator fixes the key.
	if !cfg.Upstream.CredentialOK() {
		log.Warn("upstream API key missing or malformed; chat requests will fail until it is set")
	}

	limiter := ratelimit.NewFixedWindow(cfg.Limits.RateLimit, cfg.Limits.RateWindow)

	// The outbound deadline lives on the HTTP client, so both relay
	// modes get the same bound without threading a timeout everywhere.
	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}

	relay := provider.NewClient(
		cfg.Upstream.APIKey,
		cfg.Upstream.BaseURL,
		httpClient,
		cfg.Limits.DefaultMaxTokens,
		policy.NewPluginPolicy(),
	)

	srv := server.New(cfg, limiter, relay, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.WithField("port", cfg.Server.Port).Info("llmproxy listening")

	if err := httpServer.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}
