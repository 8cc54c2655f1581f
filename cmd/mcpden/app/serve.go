// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpden/mcpden/pkg/auth"
	"github.com/mcpden/mcpden/pkg/blob"
	"github.com/mcpden/mcpden/pkg/config"
	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/dispatch"
	"github.com/mcpden/mcpden/pkg/fanout"
	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/mcp"
	"github.com/mcpden/mcpden/pkg/modules"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/records"
	"github.com/mcpden/mcpden/pkg/server"
	"github.com/mcpden/mcpden/pkg/store"
	"github.com/mcpden/mcpden/pkg/versions"
	"github.com/mcpden/mcpden/pkg/worker"
)

// newServeCmd creates the serve command for starting the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the mcpden daemon",
		Long: `Start the mcpden daemon in the configured transport mode.

In SSE mode the daemon serves the HTTP surface (JSON-RPC endpoints, SSE
streams, token mint, and cache administration) for every partition. In stdio
mode it serves the preloaded default partition over standard input/output.

Configuration is resolved from MCPDEN_-prefixed environment variables (for
example MCPDEN_TRANSPORT, MCPDEN_PORT, MCPDEN_GRAPHQL_ENDPOINT).`,
		RunE: runServe,
	}
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to resolve configuration: %w", err)
	}

	logger.Infow("Starting mcpden",
		"version", versions.GetVersionInfo().Version,
		"transport", cfg.Transport,
		"auth_provider", cfg.AuthProvider)

	// Metadata store. Without an endpoint only the preloaded default
	// partition is serviceable.
	var meta *store.Client
	var metaStore configcache.MetaStore = store.Unconfigured{}
	var callStore records.CallStore = store.Unconfigured{}
	if cfg.GraphQLEndpoint != "" {
		meta = store.NewClient(cfg.GraphQLEndpoint)
		metaStore = meta
		callStore = meta
		if cfg.InitializeTables {
			if err := meta.InitializeTables(ctx); err != nil {
				logger.Warnw("Failed to initialize store tables", "error", err)
			}
		}
	} else {
		logger.Warn("No GraphQL endpoint configured; serving the default partition only")
	}

	// Blob store for module archives and offloaded call content.
	var blobs blob.Store = blob.Disabled{}
	if cfg.FunctBucketName != "" {
		s3Store, err := blob.NewS3Store(ctx, blob.Options{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Bucket:          cfg.FunctBucketName,
		})
		if err != nil {
			return fmt.Errorf("failed to create blob store: %w", err)
		}
		blobs = s3Store
	}

	registry := modules.NewRegistry()
	loader := modules.NewLoader(registry, blobs, cfg.FunctZipPath, cfg.FunctExtractPath)
	recorder := records.New(callStore, blobs)
	cache := configcache.New(metaStore)

	if cfg.MCPConfiguration != "" {
		view, err := configcache.LoadView(cfg.MCPConfiguration)
		if err != nil {
			return fmt.Errorf("failed to load default configuration: %w", err)
		}
		cache.Preload(partition.DefaultKey, view)
		logger.Infow("Preloaded default partition",
			"tools", len(view.Tools),
			"resources", len(view.Resources),
			"prompts", len(view.Prompts))
	}

	engineOpts := []dispatch.Option{}
	if cfg.WorkerFunctionName != "" {
		invoker, err := worker.NewLambdaInvoker(ctx, worker.Options{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			FunctionName:    cfg.WorkerFunctionName,
		})
		if err != nil {
			return fmt.Errorf("failed to create worker invoker: %w", err)
		}
		engineOpts = append(engineOpts, dispatch.WithWorker(invoker))
		logger.Infow("Async dispatch offloaded to worker", "function", cfg.WorkerFunctionName)
	}
	engine := dispatch.New(cache, loader, recorder, engineOpts...)

	if cfg.Transport == config.TransportStdio {
		stdio, err := server.NewStdioServer(ctx, engine, cache)
		if err != nil {
			return err
		}
		return stdio.Serve()
	}

	verifier, err := auth.New(ctx, auth.Options{
		Provider:         cfg.AuthProvider,
		Secret:           cfg.JWTSecret,
		Algorithm:        cfg.JWTAlgorithm,
		StaticAdminToken: cfg.AdminStaticToken,
		AdminUsername:    cfg.AdminUsername,
		Region:           cfg.Region,
		UserPoolID:       cfg.CognitoUserPoolID,
		AppClientID:      cfg.CognitoAppClientID,
		JWKSURL:          cfg.CognitoJWKSURL,
		KeyTTLSeconds:    cfg.JWKSCacheTTLSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	issuer := auth.NewIssuer(auth.IssuerConfig{
		Secret:           cfg.JWTSecret,
		Algorithm:        cfg.JWTAlgorithm,
		ExpMinutes:       cfg.AccessTokenExpMinutes,
		AdminUsername:    cfg.AdminUsername,
		AdminPassword:    cfg.AdminPassword,
		AdminStaticToken: cfg.AdminStaticToken,
		UserFile:         cfg.LocalUserFile,
	})

	srv, err := server.New(server.Deps{
		Config:    cfg,
		Verifier:  verifier,
		Issuer:    issuer,
		Cache:     cache,
		Engine:    engine,
		Processor: mcp.NewProcessor(engine),
		Fanout:    fanout.NewManager(),
		Meta:      meta,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Blocks until the context is canceled or the listener fails.
	return srv.ListenAndServe(ctx)
}
