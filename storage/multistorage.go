package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// MultiStorageBackend replicates writes to every available backend and
// serves reads from the first backend that has the content.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

// Fetch tries each available backend in order.
func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	var errs *multierror.Error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			m.log.Debug("Fetched content",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if interfaces.IsNotFound(err) {
			notFound++
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if errs == nil {
		return nil, fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
	}
	if notFound == len(errs.Errors) {
		return nil, interfaces.ErrContentNotFound
	}

	m.log.Error("All backends failed to fetch content",
		slog.String("content_id", id.String()),
		slog.Int("failed_backends", len(errs.Errors)),
		"err", errs)
	return nil, errs.ErrorOrNil()
}

// Store writes to every available backend and succeeds if at least one did.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	var (
		result  interfaces.ContentID
		success bool
		errs    *multierror.Error
	)

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		id, err := backend.Store(ctx, data, contentType)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend", slog.String("backend_name", backend.Name()), "err", err)
			continue
		}
		if !success {
			result = id
			success = true
		} else if result != id {
			m.log.Warn("Inconsistent content ids from backends",
				slog.String("backend_name", backend.Name()),
				slog.String("expected_id", result.String()),
				slog.String("actual_id", id.String()))
		}
	}

	if !success {
		if errs == nil {
			return result, fmt.Errorf("%w: no backend available", interfaces.ErrBackendUnavailable)
		}
		return result, fmt.Errorf("all backends failed to store data: %w", errs)
	}
	return result, nil
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
