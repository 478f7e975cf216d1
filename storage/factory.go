package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// StorageBackendFactory builds blob backends from location URIs:
//
//	file:///var/lib/engine/blobs
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//	s3://ACCESS:SECRET@bucket/prefix
//	vault://vault.internal:8200/secret/engine?token=...&tls=true
//	ipfs://localhost:5001/engine?timeout=30s
//	https://mirror.example.org/engine?timeout=10s (read-only)
type StorageBackendFactory struct {
	log        *slog.Logger
	clientCert func() (tls.Certificate, error)
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{log: logger}
}

// WithTLSAuth returns a factory that authenticates to Vault with the client
// certificate produced by getCert.
func (sf *StorageBackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{log: sf.log, clientCert: getCert}
}

// StorageBackendFor creates a single backend.
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating storage backend", slog.String("scheme", loc.Scheme))

	switch loc.Kind {
	case interfaces.LocationFile:
		return sf.createFileBackend(loc)
	case interfaces.LocationS3:
		return sf.createS3Backend(loc)
	case interfaces.LocationVault:
		return sf.createVaultBackend(loc)
	case interfaces.LocationIPFS:
		return sf.createIPFSBackend(loc)
	case interfaces.LocationHTTP:
		return sf.createHTTPBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend creates every backend it can and aggregates them.
// Locations that fail to parse into a backend are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, slog.String("location", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		// file://relative/dir
		path = loc.Host + path
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	cfg := S3Config{
		Bucket:    loc.Host,
		Prefix:    loc.Path,
		Region:    loc.Param("region"),
		Endpoint:  loc.Param("endpoint"),
		PathStyle: loc.ParamBool("path_style"),
	}
	if loc.Auth != "" {
		cfg.AccessKey, cfg.SecretKey = splitAuth(loc.Auth)
	}
	return NewS3Backend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	scheme := "https"
	if loc.Param("tls") == "false" {
		scheme = "http"
	}

	mount, dataPath := splitMount(loc.Path)
	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     loc.Param("token"),
	}

	if sf.clientCert != nil {
		cert, err := sf.clientCert()
		if err != nil {
			return nil, fmt.Errorf("obtaining vault client certificate: %w", err)
		}
		cfg.ClientCert = &cert
	}
	return NewVaultBackend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port := splitHostPort(loc.Host, "5001")

	timeout, err := timeoutParam(loc, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createHTTPBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	timeout, err := timeoutParam(loc, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return NewHTTPBackend(fmt.Sprintf("%s://%s%s", loc.Scheme, loc.Host, loc.Path), timeout, sf.log), nil
}

func timeoutParam(loc interfaces.StorageBackendLocation, def time.Duration) (time.Duration, error) {
	raw := loc.Param("timeout")
	if raw == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
	}
	return parsed, nil
}
