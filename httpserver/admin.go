package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
)

// BootstrapState represents the progress of a seed recovery.
type BootstrapState int

const (
	// StateRecovering indicates shares are being collected.
	StateRecovering BootstrapState = iota

	// StateComplete indicates the seed was recovered and installed.
	StateComplete

	// StateFailed indicates the recovered seed could not be installed.
	StateFailed
)

func (s BootstrapState) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AdminHandler collects administrator shares of the consensus seed. Once the
// threshold is met it hands the seed to onRecovered, typically
// keychain.SetConsensusSeed, and releases WaitForSeed.
type AdminHandler struct {
	mu          sync.RWMutex
	log         *slog.Logger
	state       BootstrapState
	recovery    *keychain.ShamirRecovery
	onRecovered func(interfaces.Seed) error

	completeChan chan struct{}
	err          error
}

func NewAdminHandler(log *slog.Logger, config keychain.ShamirConfig, onRecovered func(interfaces.Seed) error) (*AdminHandler, error) {
	recovery, err := keychain.NewShamirRecovery(config)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		log:          log,
		state:        StateRecovering,
		recovery:     recovery,
		onRecovered:  onRecovered,
		completeChan: make(chan struct{}),
	}, nil
}

// WaitForSeed blocks until the seed is installed or the context is cancelled.
func (h *AdminHandler) WaitForSeed(ctx context.Context) error {
	select {
	case <-h.completeChan:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRoutes mounts the admin API under /admin.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/share", h.handleSubmitShare)
	})
}

func (h *AdminHandler) status() *api.BootstrapStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &api.BootstrapStatus{
		State:          h.state.String(),
		Threshold:      h.recovery.Threshold(),
		SharesReceived: h.recovery.SharesReceived(),
	}
}

// Endpoint: GET /admin/status
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// handleSubmitShare accepts one signed share. Shares are checked against the
// registered administrator keys, so the endpoint needs no further
// authentication.
//
// Endpoint: POST /admin/share
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	var submission api.ShareSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if h.state != StateRecovering {
		h.mu.Unlock()
		http.Error(w, "Seed is not being recovered", http.StatusConflict)
		return
	}

	adminPubKey := cryptoutils.AppPubkey(submission.AdminPubkey)
	if err := h.recovery.SubmitShare(submission.ShareIndex, submission.Share, submission.Signature, adminPubKey); err != nil {
		h.mu.Unlock()
		h.log.Warn("Rejected share", "index", submission.ShareIndex, "err", err)
		http.Error(w, fmt.Sprintf("Share rejected: %v", err), http.StatusForbidden)
		return
	}
	h.log.Info("Accepted share", "index", submission.ShareIndex, "admin", adminPubKey.Fingerprint())

	if h.recovery.IsUnlocked() {
		h.complete()
	}
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, h.status())
}

// complete installs the recovered seed. Called with h.mu held.
func (h *AdminHandler) complete() {
	seed, err := h.recovery.Seed()
	if err == nil && h.onRecovered != nil {
		err = h.onRecovered(seed)
	}
	clear(seed[:])

	if err != nil {
		h.log.Error("Failed to install recovered seed", "err", err)
		h.state = StateFailed
		h.err = err
	} else {
		h.log.Info("Seed recovered")
		h.state = StateComplete
	}
	close(h.completeChan)
}

// LoadAdminKeys reads the administrator set from JSON of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) ([]cryptoutils.AppPubkey, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make([]cryptoutils.AppPubkey, 0, len(data.Admins))
	for _, admin := range data.Admins {
		pub, err := cryptoutils.NewAppPubkey([]byte(admin.PubKey))
		if err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result = append(result, pub)
	}
	return result, nil
}
