package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
	"github.com/ruteri/confidential-contract-engine/storage"
)

func TestSealSeed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	req := sealRequest{
		genesisHex: strings.Repeat("01", 32),
		currentHex: strings.Repeat("02", 32),
		uri:        "file://" + dir,
		passphrase: "passphrase",
		salt:       "salt",
	}

	id, err := sealSeed(ctx, req)
	require.NoError(t, err)

	backend, err := storage.NewFileBackend(dir, nil)
	require.NoError(t, err)
	kc := keychain.New(nil)
	require.NoError(t, kc.UnsealFrom(ctx, backend, id, cryptoutils.DeriveSealingKey([]byte("passphrase"), []byte("salt"))))

	seeds, err := kc.ConsensusSeed()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), seeds.Genesis[0])
	assert.Equal(t, byte(0x02), seeds.Current[0])

	req.genesisHex = ""
	_, err = sealSeed(ctx, req)
	require.Error(t, err)
}

func TestShareSubmission(t *testing.T) {
	dir := t.TempDir()

	type admin struct {
		pub      cryptoutils.AppPubkey
		privFile string
	}
	admins := make([]admin, 3)
	for i := range admins {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		privFile := filepath.Join(dir, "admin"+string(rune('a'+i))+".pem")
		require.NoError(t, os.WriteFile(privFile, priv, 0o600))
		admins[i] = admin{pub: pub, privFile: privFile}
	}

	config := keychain.ShamirConfig{Threshold: 2}
	for _, a := range admins {
		config.AdminPubKeys = append(config.AdminPubKeys, a.pub)
	}

	seed, err := seedOrRandom("")
	require.NoError(t, err)
	shares, err := keychain.SplitSeed(seed, config)
	require.NoError(t, err)

	sharesFile := filepath.Join(dir, "shares.json")
	raw, err := json.Marshal(shares)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sharesFile, raw, 0o600))

	recovery, err := keychain.NewShamirRecovery(config)
	require.NoError(t, err)
	for _, a := range admins[1:] {
		sub, err := shareSubmission(sharesFile, a.privFile)
		require.NoError(t, err)
		assert.Equal(t, string(a.pub), sub.AdminPubkey)
		require.NoError(t, recovery.SubmitShare(sub.ShareIndex, sub.Share, sub.Signature, cryptoutils.AppPubkey(sub.AdminPubkey)))
	}

	recovered, err := recovery.Seed()
	require.NoError(t, err)
	assert.Equal(t, seed, recovered)

	_, outsiderPriv, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	outsiderFile := filepath.Join(dir, "outsider.pem")
	require.NoError(t, os.WriteFile(outsiderFile, outsiderPriv, 0o600))
	_, err = shareSubmission(sharesFile, outsiderFile)
	require.ErrorContains(t, err, "no share")
}

func TestSeedOrRandom(t *testing.T) {
	a, err := seedOrRandom("")
	require.NoError(t, err)
	b, err := seedOrRandom("")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	fixed, err := seedOrRandom(strings.Repeat("ff", 32))
	require.NoError(t, err)
	assert.Equal(t, interfaces.Seed{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, fixed)
}
