// Copyright © 2025 Basic Machines
//
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basicmachines-co/memoryguard/pkg/config"
	"github.com/basicmachines-co/memoryguard/pkg/keyset"
	"github.com/basicmachines-co/memoryguard/pkg/logging"
	"github.com/basicmachines-co/memoryguard/pkg/service"
	"github.com/basicmachines-co/memoryguard/pkg/token"
	"github.com/basicmachines-co/memoryguard/pkg/upstream"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the protected resource server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.ConfigureFromEnv()

		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}

		resolver, err := keyset.NewResolver(keyset.Config{
			JWKSURI:  cfg.JWKSURI,
			CacheTTL: cfg.JWKSCacheTTL,
		})
		if err != nil {
			return fmt.Errorf("failed to create key resolver: %w", err)
		}

		// Warm the key cache. A cold cache is not fatal; the first
		// validation triggers a fetch of its own.
		warmCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		if err := resolver.Refresh(warmCtx); err != nil {
			logger.Warn().Err(err).Msg("initial key set fetch failed, continuing with cold cache")
		}
		cancel()

		validator := token.NewValidator(token.Config{
			Issuer:         cfg.Issuer,
			Audience:       cfg.Audience,
			RequiredScopes: cfg.RequiredScopes,
			ClockSkew:      cfg.ClockSkew,
		}, resolver)

		var app http.Handler
		if cfg.BackendURL != "" {
			backend, err := url.Parse(cfg.BackendURL)
			if err != nil {
				return fmt.Errorf("failed to parse backend URL: %w", err)
			}
			app = httputil.NewSingleHostReverseProxy(backend)
		}

		svc := service.New(service.Config{
			ListenAddr:      cfg.ListenAddr,
			ServerURL:       cfg.ServerURL,
			AuthServerURL:   cfg.AuthServerURL,
			ScopesSupported: cfg.ScopesSupported,
		}, validator, upstream.NewClient(cfg.AuthServerURL, cfg.ServerURL, cfg.Audience), app)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("issuer", cfg.Issuer).
			Str("auth_server", cfg.AuthServerURL).
			Msg("starting memoryguard")

		return svc.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides MEMORYGUARD_LISTEN_ADDR)")

	rootCmd.AddCommand(serveCmd)
}
