package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/confidential-contract-engine/cmd/flags"
	"github.com/ruteri/confidential-contract-engine/common"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/engine"
	"github.com/ruteri/confidential-contract-engine/httpserver"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
	"github.com/ruteri/confidential-contract-engine/metrics"
	"github.com/ruteri/confidential-contract-engine/modulecache"
	"github.com/ruteri/confidential-contract-engine/storage"
	"github.com/urfave/cli/v2"
)

var flagList = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "seed-source",
		Value: string(SeedFromSealed),
		Usage: "where the consensus seed comes from: 'hex', 'sealed' or 'shamir'",
	},
	&cli.StringFlag{
		Name:    "seed-hex",
		Usage:   "hex-encoded 32-byte genesis seed (hex seed source)",
		EnvVars: []string{"ENGINE_SEED_HEX"},
	},
	&cli.StringFlag{
		Name:    "current-seed-hex",
		Usage:   "hex-encoded 32-byte current seed, defaults to the genesis seed (hex seed source)",
		EnvVars: []string{"ENGINE_CURRENT_SEED_HEX"},
	},
	&cli.StringFlag{
		Name:  "sealed-uri",
		Usage: "storage URI holding the sealed keychain, e.g. file:///var/lib/engine/sealed",
	},
	&cli.StringFlag{
		Name:  "sealed-id",
		Usage: "content id of the sealed keychain (sealed seed source)",
	},
	&cli.StringFlag{
		Name:    "seal-passphrase",
		Usage:   "passphrase the sealing key is derived from",
		EnvVars: []string{"ENGINE_SEAL_PASSPHRASE"},
	},
	&cli.StringFlag{
		Name:  "seal-salt",
		Value: common.PackageName,
		Usage: "salt of the sealing key derivation",
	},
	&cli.StringFlag{
		Name:  "admin-keys-file",
		Usage: "JSON file with administrator public keys (shamir seed source)",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of administrator shares needed to recover the seed",
	},
	&cli.IntFlag{
		Name:  "bootstrap-timeout",
		Value: 300,
		Usage: "timeout in seconds for the shamir seed recovery",
	},
	&cli.StringFlag{
		Name:  "attestation",
		Value: string(cryptoutils.DCAPAttestation),
		Usage: "attestation backend for the io pubkey: 'dcap' or 'dummy'",
	},
	&cli.StringFlag{
		Name:  "data-dir",
		Usage: "badger directory of the host store, in-memory when empty",
	},
	&cli.StringFlag{
		Name:  "storage-client-cert",
		Usage: "PEM client certificate for mutual TLS with vault storage",
	},
	&cli.StringFlag{
		Name:  "storage-client-key",
		Usage: "PEM private key of the storage client certificate",
	},
	&cli.StringSliceFlag{
		Name:  "code-storage",
		Usage: "storage URIs contract code can be fetched from by code_id (repeatable)",
	},
	&cli.IntFlag{
		Name:  "module-cache-size",
		Value: modulecache.DefaultConfig().Capacity,
		Usage: "number of compiled modules kept in memory",
	},
	&cli.IntFlag{
		Name:  "slots",
		Value: engine.DefaultConfig().Slots,
		Usage: "maximum number of concurrently executing calls",
	},
}, append(flags.ServerFlags, flags.LogFlags("engined")...)...)

func main() {
	app := &cli.App{
		Name:   "engined",
		Usage:  "Serve the confidential contract engine API",
		Flags:  flagList,
		Action: runEngine,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runEngine(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	seedSource, err := ParseSeedSource(cCtx.String("seed-source"))
	if err != nil {
		return err
	}
	attestationType, err := cryptoutils.AttestationTypeFromString(cCtx.String("attestation"))
	if err != nil {
		return err
	}
	attestationProvider, _, err := cryptoutils.AttestationBackend(attestationType)
	if err != nil {
		return err
	}
	sealed := sealedSeed{
		uri:        cCtx.String("sealed-uri"),
		id:         cCtx.String("sealed-id"),
		passphrase: cCtx.String("seal-passphrase"),
		salt:       cCtx.String("seal-salt"),
	}

	factory := storageFactory(logger, cCtx.String("storage-client-cert"), cCtx.String("storage-client-key"))

	serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	metricsSrv, err := metrics.New(common.PackageName, serverCfg.MetricsAddr)
	if err != nil {
		return err
	}

	// Keychain
	kc := keychain.New(logger)
	var admin *httpserver.AdminHandler

	switch seedSource {
	case SeedFromHex:
		logger.Warn("Using seeds from the command line, do not use outside of development")
		genesis, current, err := hexSeeds(cCtx.String("seed-hex"), cCtx.String("current-seed-hex"))
		if err != nil {
			return err
		}
		if err := kc.SetConsensusSeed(genesis, current); err != nil {
			return err
		}

	case SeedFromSealed:
		if err := sealed.unseal(ctx, kc, factory); err != nil {
			logger.Error("Failed to unseal keychain", "err", err)
			return err
		}

	case SeedFromShamir:
		config, err := loadShamirConfig(cCtx.String("admin-keys-file"), cCtx.Int("threshold"))
		if err != nil {
			logger.Error("Failed to load admin keys", "err", err)
			return err
		}
		logger.Info("Admin keys loaded successfully", "count", len(config.AdminPubKeys), "threshold", config.Threshold)

		admin, err = httpserver.NewAdminHandler(logger, config, func(seed interfaces.Seed) error {
			return kc.SetConsensusSeed(seed, seed)
		})
		if err != nil {
			return err
		}
	}

	// Host store
	host, err := storage.OpenBadgerStore(cCtx.String("data-dir"), storage.DefaultGasConfig(), logger)
	if err != nil {
		return err
	}
	defer host.Close()

	// Engine
	cacheCfg := modulecache.DefaultConfig()
	cacheCfg.Capacity = cCtx.Int("module-cache-size")
	cache, err := modulecache.New(ctx, cacheCfg, logger, metricsSrv.Engine)
	if err != nil {
		return err
	}
	defer cache.Close(context.Background())

	engineCfg := engine.DefaultConfig()
	engineCfg.Slots = cCtx.Int("slots")
	eng, err := engine.New(ctx, engineCfg, kc, cache, logger, metricsSrv.Engine)
	if err != nil {
		return err
	}

	handler := httpserver.NewHandler(eng, host, logger).
		WithAttestation(attestationProvider).
		WithSeedID(kc.SeedID)

	if uris := cCtx.StringSlice("code-storage"); len(uris) > 0 {
		codeStorage, err := codeStorageBackend(factory, uris)
		if err != nil {
			return err
		}
		handler.WithCodeStorage(codeStorage)
	}

	server := httpserver.New(serverCfg, handler, admin, metricsSrv)
	server.RunInBackground()

	if admin != nil {
		timeout := time.Duration(cCtx.Int("bootstrap-timeout")) * time.Second
		logger.Info("Waiting for administrator shares", "timeout", timeout)

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		err := admin.WaitForSeed(waitCtx)
		cancel()
		if err != nil {
			logger.Error("Seed recovery failed", "err", err)
			server.Shutdown()
			return err
		}

		if sealed.configured() {
			id, err := sealed.seal(ctx, kc, factory)
			if err != nil {
				logger.Error("Failed to seal recovered keychain", "err", err)
			} else {
				logger.Info("Recovered keychain sealed, restart with the sealed seed source", "sealed_id", id.String())
			}
		}
	}

	// Wait for termination signal
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Engine is running", "seed_id", kc.SeedID(), "seed_set", kc.IsSeedSet())
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	kc.Wipe()
	logger.Info("Server shutdown complete")
	return nil
}

func storageFactory(logger *slog.Logger, certFile, keyFile string) interfaces.StorageBackendFactory {
	factory := storage.NewStorageBackendFactory(logger)
	if certFile == "" || keyFile == "" {
		return factory
	}
	return factory.WithTLSAuth(cryptoutils.ClientCertificateLoader(certFile, keyFile))
}

func codeStorageBackend(factory interfaces.StorageBackendFactory, uris []string) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid code storage %q: %w", uri, err)
		}
		locations = append(locations, loc)
	}
	return factory.CreateMultiBackend(locations)
}
