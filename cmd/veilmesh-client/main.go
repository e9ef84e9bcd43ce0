// Command veilmesh-client connects to a mix-network gateway: it loads
// configuration, establishes or resumes a gateway session, and runs the
// duplex session pipeline until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mr-tron/base58"
	"github.com/spf13/cobra"

	"github.com/veilmesh/veilmesh/pkg/config"
	"github.com/veilmesh/veilmesh/pkg/gateway"
	"github.com/veilmesh/veilmesh/pkg/keys"
	"github.com/veilmesh/veilmesh/pkg/keystore"
	"github.com/veilmesh/veilmesh/pkg/logging"
	"github.com/veilmesh/veilmesh/pkg/persistence"
	"github.com/veilmesh/veilmesh/pkg/topology"
	"github.com/veilmesh/veilmesh/pkg/topology/quicdir"
)

const version = "0.1.0"

var (
	configPath         string
	gatewayID          string
	credentialsEnabled bool
	forceTLS           bool
	showConfig         bool
)

func main() {
	root := &cobra.Command{
		Use:     "veilmesh-client",
		Short:   "Gateway-client for the veilmesh mix network",
		Version: version,
		RunE:    run,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file (zero-config if omitted)")
	root.Flags().StringVar(&gatewayID, "gateway-id", "", "pin a single gateway by address, bypassing topology selection")
	root.Flags().BoolVar(&credentialsEnabled, "credentials-enabled", false, "advertise and permit bandwidth credential submission")
	root.Flags().BoolVar(&forceTLS, "force-tls", false, "restrict gateway selection and transport to wss:// listeners")
	root.Flags().BoolVar(&showConfig, "show-config", false, "print the resolved configuration and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	if showConfig {
		fmt.Printf("gateway_id: %s\n", cfg.Gateway.GatewayID)
		fmt.Printf("directory_addr: %s\n", cfg.Gateway.DirectoryAddr)
		fmt.Printf("static_gateways: %d configured\n", len(cfg.Gateway.StaticGateways))
		fmt.Printf("credentials.enabled: %v\n", cfg.Credential.Enabled)
		fmt.Printf("tls.force_tls: %v\n", cfg.TLS.ForceTLS)
		fmt.Printf("keystore.backend: %s\n", cfg.Keystore.Backend)
		return nil
	}

	logger, err := logging.NewLogger("gateway-client", parseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("veilmesh-client: failed to initialize logger: %w", err)
	}

	store, ledger, err := buildStore(cfg)
	if err != nil {
		return err
	}

	identity, err := loadOrGenerateIdentity(cmd.Context(), store)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var pinned *keys.IdentityAddress
	if cfg.Gateway.GatewayID != "" {
		addr, err := keys.ParseIdentityAddress(cfg.Gateway.GatewayID)
		if err != nil {
			return fmt.Errorf("veilmesh-client: invalid gateway_id: %w", err)
		}
		pinned = &addr
	}

	manager := gateway.NewManager(identity, store, provider, logger.WithComponent("gateway"), gateway.Options{
		CredentialsEnabled:    cfg.Credential.Enabled,
		UseTestnetBandwidth:   cfg.Credential.UseTestnetBandwidth,
		ForceTLS:              cfg.TLS.ForceTLS,
		InsecureSkipVerify:    cfg.TLS.InsecureSkipVerify,
		PinnedGateway:         pinned,
		WaitForGateway:        cfg.Gateway.WaitForGateway,
		ReconnectMaxAttempts:  cfg.Gateway.ReconnectMaxAttempts,
		CredentialLedger:      ledger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting gateway client", logging.Fields{"version": version})
	if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("veilmesh-client: %w", err)
	}
	logger.Info("gateway client stopped", nil)
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func applyFlagOverrides(cfg *config.Config) {
	if gatewayID != "" {
		cfg.Gateway.GatewayID = gatewayID
	}
	if credentialsEnabled {
		cfg.Credential.Enabled = true
	}
	if forceTLS {
		cfg.TLS.ForceTLS = true
	}
}

// buildStore assembles the keystore backend chain and returns the credential
// submission ledger, which is only available when Postgres is configured
// (the ledger tables live in its bandwidth_credentials schema).
func buildStore(cfg *config.Config) (keystore.Store, gateway.CredentialLedger, error) {
	var base keystore.Store
	switch cfg.Keystore.Backend {
	case "memory":
		base = keystore.NewMemoryStore()
	case "disk":
		disk, err := keystore.NewDiskStore(cfg.Keystore.Path, "")
		if err != nil {
			return nil, nil, fmt.Errorf("veilmesh-client: failed to open disk keystore: %w", err)
		}
		base = disk
	default:
		return nil, nil, fmt.Errorf("veilmesh-client: unknown keystore backend %q", cfg.Keystore.Backend)
	}

	var ledger gateway.CredentialLedger
	if cfg.Postgres.Host != "" {
		pg, err := persistence.NewPostgresStore(persistence.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			DBName:   cfg.Postgres.DBName,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("veilmesh-client: failed to connect to postgres: %w", err)
		}
		base = keystore.NewPostgresBackedStore(base, pg)
		ledger = pg
	}

	if cfg.Redis.Host != "" {
		cache, err := persistence.NewRedisCache(persistence.RedisCacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("veilmesh-client: failed to connect to redis: %w", err)
		}
		base = keystore.NewCachedStore(base, cache)
	}

	return base, ledger, nil
}

func buildProvider(cfg *config.Config) (topology.Provider, error) {
	if len(cfg.Gateway.StaticGateways) > 0 {
		candidates := make([]topology.GatewayCandidate, 0, len(cfg.Gateway.StaticGateways))
		for _, sg := range cfg.Gateway.StaticGateways {
			addr, err := keys.ParseIdentityAddress(sg.Address)
			if err != nil {
				return nil, fmt.Errorf("veilmesh-client: invalid static gateway address %q: %w", sg.Address, err)
			}
			rawPub, err := base58.Decode(sg.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("veilmesh-client: invalid static gateway public key for %q: %w", sg.Address, err)
			}
			pub, err := keys.UnmarshalPublicKey(rawPub)
			if err != nil {
				return nil, fmt.Errorf("veilmesh-client: invalid static gateway public key for %q: %w", sg.Address, err)
			}
			candidates = append(candidates, topology.GatewayCandidate{
				Address:     addr,
				PublicKey:   pub,
				ListenerURL: sg.ListenerURL,
				SupportsTLS: sg.SupportsTLS,
			})
		}
		return topology.NewStaticProvider(candidates), nil
	}

	if cfg.Gateway.DirectoryAddr != "" {
		client := quicdir.NewClient(quicdir.Config{Addr: cfg.Gateway.DirectoryAddr})
		return quicdir.NewProvider(client), nil
	}

	return nil, fmt.Errorf("veilmesh-client: no topology source configured (set static_gateways or directory_addr)")
}

func loadOrGenerateIdentity(ctx context.Context, store keystore.Store) (*keys.IdentityKeyPair, error) {
	has, err := store.HasIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("veilmesh-client: failed to query identity store: %w", err)
	}
	if has {
		return store.LoadIdentity(ctx, "")
	}

	kp, err := keys.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("veilmesh-client: failed to generate identity: %w", err)
	}
	if err := store.SaveIdentity(ctx, "", kp); err != nil {
		return nil, fmt.Errorf("veilmesh-client: failed to persist identity: %w", err)
	}
	return kp, nil
}

func parseLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}
