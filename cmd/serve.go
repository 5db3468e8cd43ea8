package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcpgate/internal/catalog"
	"mcpgate/internal/config"
	"mcpgate/internal/gateway"
	"mcpgate/internal/jwtauth"
	"mcpgate/internal/oauth"
	"mcpgate/pkg/logging"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the gateway.
var serveDebug bool

// servePort overrides the listen port from the environment.
var servePort int

// serveCatalogPath overrides the server catalog path from the environment.
var serveCatalogPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP gateway",
	Long: `Starts the gateway: loads the downstream server catalog, initializes the
JWKS verifier against the configured identity provider, and serves the
authenticated MCP endpoint on /mcp.

Configuration comes from the environment (see the project README for the
recognized MCPGATE_* variables); --port and --catalog override the
corresponding variables for convenience.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides MCPGATE_LISTEN_PORT)")
	serveCmd.Flags().StringVar(&serveCatalogPath, "catalog", "", "Server catalog path (overrides MCPGATE_SERVER_CATALOG_PATH)")
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if servePort != 0 {
		cfg.ListenPort = servePort
	}
	if serveCatalogPath != "" {
		cfg.ServerCatalogPath = serveCatalogPath
	}

	reg, err := catalog.Load(cfg.ServerCatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load server catalog: %w", err)
	}
	logging.Info("Serve", "Loaded %d downstream servers from %s", reg.Len(), cfg.ServerCatalogPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := jwtauth.NewVerifier(ctx, jwtauth.Config{
		Issuer:      cfg.IssuerURL,
		Audience:    cfg.GatewayAudience,
		AllowedAlgs: cfg.AlgorithmAllowlist,
		RefreshTTL:  cfg.JWKSRefreshTTL,
	}, cfg.JWKSEndpoint())
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS verifier: %w", err)
	}

	exchanger := oauth.NewExchanger(oauth.ExchangerOptions{
		TokenEndpoint: cfg.TokenEndpoint(),
		ClientID:      cfg.GatewayClientID,
		ClientSecret:  cfg.GatewayClientSecret,
		Timeout:       cfg.IdPTimeout,
		CacheEnabled:  cfg.ExchangeCacheEnabled,
		CacheMaxTTL:   cfg.ExchangeCacheMaxTTL,
	})
	defer exchanger.Stop()

	gw, err := gateway.New(gateway.Options{
		Catalog:           reg,
		Verifier:          verifier,
		Exchanger:         exchanger,
		Port:              cfg.ListenPort,
		DownstreamTimeout: cfg.DownstreamTimeout,
		ListToolsTimeout:  cfg.ListToolsTimeout,
		Version:           version,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	logging.Info("Serve", "MCP gateway listening at %s", gw.Endpoint())

	<-ctx.Done()

	return gw.Stop(context.Background())
}
