package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// IPFSBackend publishes contract code through an IPFS node. Content is
// written to the node's mutable file system under <root>/<type>/<id> so it can
// be found again by its SHA-256 content ID, and pinned by the node.
type IPFSBackend struct {
	shell       *shell.Shell
	apiURL      string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend connects to the IPFS HTTP API at host:port.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	root = "/" + strings.Trim(root, "/")
	if root == "/" {
		root = "/confidential-contract-engine"
	}

	return &IPFSBackend{
		shell:       sh,
		apiURL:      apiURL,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, root),
	}, nil
}

// Fetch reads content from the node's file system.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	p := b.getPath(id, contentType)

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to fetch data from IPFS", slog.String("path", p), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("%w: ipfs content at %s does not match its id", interfaces.ErrContentNotFound, p)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds content to IPFS and links it under its content ID.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p := b.getPath(id, contentType)

	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write data to IPFS: %w", err)
	}

	stat, err := b.shell.FilesStat(ctx, p)
	if err == nil {
		b.log.Debug("Stored content in IPFS", slog.String("path", p), slog.String("cid", stat.Hash))
	}
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return "ipfs-" + b.apiURL
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) getPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.root, contentType.String(), id.String())
}
