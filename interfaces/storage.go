package interfaces

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// ContentType selects the namespace a blob is stored in.
type ContentType int

const (
	// CodeType holds contract bytecode; its content id is the code hash.
	CodeType ContentType = iota
	// SealedSeedType holds sealed keychain blobs.
	SealedSeedType
)

func (ct ContentType) String() string {
	switch ct {
	case CodeType:
		return "code"
	case SealedSeedType:
		return "sealed"
	default:
		return "unknown"
	}
}

// LocationKind names the backend implementation a location URI resolves to.
type LocationKind string

const (
	LocationFile  LocationKind = "file"
	LocationS3    LocationKind = "s3"
	LocationIPFS  LocationKind = "ipfs"
	LocationVault LocationKind = "vault"
	// LocationHTTP is a read-only mirror reachable over http or https.
	LocationHTTP LocationKind = "http"
)

var locationKinds = map[string]LocationKind{
	"file":  LocationFile,
	"s3":    LocationS3,
	"ipfs":  LocationIPFS,
	"vault": LocationVault,
	"http":  LocationHTTP,
	"https": LocationHTTP,
}

// StorageBackendLocation is a parsed blob backend URI of the form
// scheme://[auth@]host[:port][/path][?params].
type StorageBackendLocation struct {
	Raw    string
	Kind   LocationKind
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	kind, ok := locationKinds[parsed.Scheme]
	if !ok {
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := StorageBackendLocation{
		Raw:    uri,
		Kind:   kind,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// Param returns the query parameter name, or "" when absent.
func (loc StorageBackendLocation) Param(name string) string {
	return loc.Query.Get(name)
}

// ParamBool interprets a query parameter with strconv.ParseBool; absent or
// unparsable values are false.
func (loc StorageBackendLocation) ParamBool(name string) bool {
	v, err := strconv.ParseBool(loc.Query.Get(name))
	return err == nil && v
}

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// IsNotFound reports whether err means the content does not exist anywhere.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContentNotFound)
}

// StorageBackend stores blobs under the SHA-256 of their content, one
// namespace per ContentType. Fetch returns ErrContentNotFound for unknown ids
// and must never return bytes that do not hash to the requested id.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}

// StorageBackendFactory turns location URIs into backends.
type StorageBackendFactory interface {
	StorageBackendFor(loc StorageBackendLocation) (StorageBackend, error)
	// CreateMultiBackend combines every location that yields a backend.
	CreateMultiBackend(locs []StorageBackendLocation) (StorageBackend, error)
	// WithTLSAuth returns a factory presenting the client certificate from
	// getCert to backends that support mutual TLS.
	WithTLSAuth(getCert func() (tls.Certificate, error)) StorageBackendFactory
}
