package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/api/clients"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
)

type testAdmin struct {
	pub  cryptoutils.AppPubkey
	priv cryptoutils.AppPrivkey
}

func generateAdmins(t *testing.T, n int) []testAdmin {
	t.Helper()
	admins := make([]testAdmin, n)
	for i := range admins {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		admins[i] = testAdmin{pub: pub, priv: priv}
	}
	return admins
}

func shamirConfig(admins []testAdmin, threshold int) keychain.ShamirConfig {
	config := keychain.ShamirConfig{Threshold: threshold}
	for _, a := range admins {
		config.AdminPubKeys = append(config.AdminPubKeys, a.pub)
	}
	return config
}

// submission decrypts an administrator's share and signs it, as enginectl does.
func submission(t *testing.T, admin testAdmin, share keychain.EncryptedShare) *api.ShareSubmission {
	t.Helper()
	plain, err := cryptoutils.DecryptWithPrivateKey(admin.priv, share.Share)
	require.NoError(t, err)
	sig, err := cryptoutils.SignShare(plain, admin.priv)
	require.NoError(t, err)
	return &api.ShareSubmission{
		ShareIndex:  share.Index,
		Share:       plain,
		Signature:   sig,
		AdminPubkey: string(admin.pub),
	}
}

func newAdminServer(t *testing.T, h *AdminHandler) *clients.EngineClient {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return clients.NewEngineClient(ts.URL)
}

func TestNewAdminHandlerValidatesConfig(t *testing.T) {
	admins := generateAdmins(t, 2)

	_, err := NewAdminHandler(testLogger(), shamirConfig(admins, 3), nil)
	require.Error(t, err)

	_, err = NewAdminHandler(testLogger(), shamirConfig(admins, 1), nil)
	require.Error(t, err)

	h, err := NewAdminHandler(testLogger(), shamirConfig(admins, 2), nil)
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, h.state)
}

func TestSeedRecovery(t *testing.T) {
	admins := generateAdmins(t, 3)
	config := shamirConfig(admins, 2)
	seed := interfaces.Seed{0xde, 0xad, 0xbe, 0xef}

	shares, err := keychain.SplitSeed(seed, config)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	kc := keychain.New(testLogger())
	h, err := NewAdminHandler(testLogger(), config, func(s interfaces.Seed) error {
		return kc.SetConsensusSeed(s, s)
	})
	require.NoError(t, err)
	client := newAdminServer(t, h)
	ctx := context.Background()

	status, err := client.BootstrapStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, &api.BootstrapStatus{State: "recovering", Threshold: 2}, status)

	status, err = client.SubmitShare(ctx, submission(t, admins[0], shares[0]))
	require.NoError(t, err)
	assert.Equal(t, "recovering", status.State)
	assert.Equal(t, 1, status.SharesReceived)
	assert.False(t, kc.IsSeedSet())

	status, err = client.SubmitShare(ctx, submission(t, admins[2], shares[2]))
	require.NoError(t, err)
	assert.Equal(t, "complete", status.State)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.WaitForSeed(waitCtx))

	recovered, err := kc.ConsensusSeed()
	require.NoError(t, err)
	assert.Equal(t, seed, recovered.Current)

	// Further shares are refused.
	_, err = client.SubmitShare(ctx, submission(t, admins[1], shares[1]))
	var callErr *api.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusConflict, callErr.StatusCode)
}

func TestSubmitShareRejections(t *testing.T) {
	admins := generateAdmins(t, 2)
	config := shamirConfig(admins, 2)
	shares, err := keychain.SplitSeed(interfaces.Seed{0x42}, config)
	require.NoError(t, err)

	h, err := NewAdminHandler(testLogger(), config, nil)
	require.NoError(t, err)
	client := newAdminServer(t, h)
	ctx := context.Background()

	outsider := generateAdmins(t, 1)[0]

	cases := map[string]func() *api.ShareSubmission{
		"unregistered admin": func() *api.ShareSubmission {
			s := submission(t, admins[0], shares[0])
			sig, err := cryptoutils.SignShare(s.Share, outsider.priv)
			require.NoError(t, err)
			s.Signature = sig
			s.AdminPubkey = string(outsider.pub)
			return s
		},
		"signature by another admin": func() *api.ShareSubmission {
			s := submission(t, admins[0], shares[0])
			s.AdminPubkey = string(admins[1].pub)
			return s
		},
		"tampered share": func() *api.ShareSubmission {
			s := submission(t, admins[0], shares[0])
			s.Share[0] ^= 0x01
			return s
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := client.SubmitShare(ctx, build())
			var callErr *api.CallError
			require.ErrorAs(t, err, &callErr)
			assert.Equal(t, http.StatusForbidden, callErr.StatusCode)
		})
	}

	status, err := client.BootstrapStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.SharesReceived)
}

func TestSeedInstallFailure(t *testing.T) {
	admins := generateAdmins(t, 2)
	config := shamirConfig(admins, 2)
	shares, err := keychain.SplitSeed(interfaces.Seed{0x42}, config)
	require.NoError(t, err)

	errInstall := errors.New("install failed")
	h, err := NewAdminHandler(testLogger(), config, func(interfaces.Seed) error { return errInstall })
	require.NoError(t, err)
	client := newAdminServer(t, h)
	ctx := context.Background()

	for i := range admins {
		_, err := client.SubmitShare(ctx, submission(t, admins[i], shares[i]))
		require.NoError(t, err)
	}

	require.ErrorIs(t, h.WaitForSeed(ctx), errInstall)
	status, err := client.BootstrapStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "failed", status.State)
}

func TestWaitForSeedCancelled(t *testing.T) {
	h, err := NewAdminHandler(testLogger(), shamirConfig(generateAdmins(t, 2), 2), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.WaitForSeed(ctx), context.DeadlineExceeded)
}

func TestConcurrentShareSubmission(t *testing.T) {
	admins := generateAdmins(t, 5)
	config := shamirConfig(admins, 3)
	shares, err := keychain.SplitSeed(interfaces.Seed{0x07}, config)
	require.NoError(t, err)

	var installs int
	h, err := NewAdminHandler(testLogger(), config, func(interfaces.Seed) error {
		installs++
		return nil
	})
	require.NoError(t, err)
	client := newAdminServer(t, h)

	var wg sync.WaitGroup
	for i := range admins {
		s := submission(t, admins[i], shares[i])
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Late submissions are refused once the seed is installed.
			_, _ = client.SubmitShare(context.Background(), s)
		}()
	}
	wg.Wait()

	require.NoError(t, h.WaitForSeed(context.Background()))
	assert.Equal(t, 1, installs)
}

func TestLoadAdminKeys(t *testing.T) {
	admins := generateAdmins(t, 2)
	doc := `{"admins": [` +
		`{"id": "alice", "pubkey": ` + quoteJSON(string(admins[0].pub)) + `},` +
		`{"id": "bob", "pubkey": ` + quoteJSON(string(admins[1].pub)) + `}]}`

	keys, err := LoadAdminKeys(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, admins[0].pub, keys[0])
	assert.Equal(t, admins[1].pub, keys[1])

	_, err = LoadAdminKeys(strings.NewReader(`{"admins": [{"id": "eve", "pubkey": "not a key"}]}`))
	require.ErrorContains(t, err, "eve")

	_, err = LoadAdminKeys(strings.NewReader(`{`))
	require.Error(t, err)
}

func quoteJSON(s string) string {
	return `"` + strings.ReplaceAll(s, "\n", `\n`) + `"`
}
