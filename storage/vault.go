package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// VaultConfig describes a Vault KV v2 mount. Either Token or ClientCert
// authenticates the client; with both empty the VAULT_TOKEN environment
// variable read by the Vault client applies.
type VaultConfig struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
}

// VaultBackend keeps sealed keychains (and optionally code) in Vault's KV v2
// engine. Content is stored base64 encoded under <mount>/data/<path>/<type>/<id>.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault backend.
func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*cfg.ClientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	parts := []string{b.mountPath, "data"}
	if b.dataPath != "" {
		parts = append(parts, b.dataPath)
	}
	return strings.Join(append(parts, contentType.String(), id.String()), "/")
}

// Fetch reads content from Vault.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	path := b.secretPath(id, contentType)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response for %s", path)
	}
	encoded, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data for %s", path)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	if interfaces.ComputeID(content) != id {
		return nil, fmt.Errorf("%w: vault content at %s does not match its id", interfaces.ErrContentNotFound, path)
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return content, nil
}

// Store writes content to Vault under its SHA-256 content ID.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.secretPath(id, contentType)

	_, err := b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", slog.String("path", path))
	return id, nil
}

// Available reports whether Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
