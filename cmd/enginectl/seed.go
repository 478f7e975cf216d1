package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/httpserver"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
	"github.com/ruteri/confidential-contract-engine/storage"
)

func loadAdminKeys(path string) ([]cryptoutils.AppPubkey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return httpserver.LoadAdminKeys(f)
}

type sealRequest struct {
	genesisHex string
	currentHex string
	uri        string
	passphrase string
	salt       string
}

// sealSeed seals a keychain holding the given seeds into the backend at uri.
func sealSeed(ctx context.Context, req sealRequest) (interfaces.ContentID, error) {
	if req.genesisHex == "" {
		return interfaces.ContentID{}, errors.New("a seed is required")
	}
	genesis, err := interfaces.NewSeedFromHex(req.genesisHex)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	current := genesis
	if req.currentHex != "" {
		if current, err = interfaces.NewSeedFromHex(req.currentHex); err != nil {
			return interfaces.ContentID{}, err
		}
	}

	kc := keychain.New(nil)
	defer kc.Wipe()
	if err := kc.SetConsensusSeed(genesis, current); err != nil {
		return interfaces.ContentID{}, err
	}

	loc, err := interfaces.NewStorageBackendLocation(req.uri)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	backend, err := storage.NewStorageBackendFactory(nil).StorageBackendFor(loc)
	if err != nil {
		return interfaces.ContentID{}, err
	}
	return kc.SealTo(ctx, backend, cryptoutils.DeriveSealingKey([]byte(req.passphrase), []byte(req.salt)))
}

// shareSubmission finds the share encrypted to the administrator owning
// privkeyFile, decrypts it and signs it for submission.
func shareSubmission(sharesFile, privkeyFile string) (*api.ShareSubmission, error) {
	privPEM, err := os.ReadFile(privkeyFile)
	if err != nil {
		return nil, err
	}
	priv, err := cryptoutils.NewAppPrivkey(privPEM)
	if err != nil {
		return nil, err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(sharesFile)
	if err != nil {
		return nil, err
	}
	var shares []keychain.EncryptedShare
	if err := json.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("parsing shares: %w", err)
	}

	fingerprint := pub.Fingerprint()
	for _, share := range shares {
		if share.AdminFingerprint != fingerprint {
			continue
		}
		plain, err := cryptoutils.DecryptWithPrivateKey(priv, share.Share)
		if err != nil {
			return nil, fmt.Errorf("decrypting share: %w", err)
		}
		sig, err := cryptoutils.SignShare(plain, priv)
		if err != nil {
			return nil, err
		}
		return &api.ShareSubmission{
			ShareIndex:  share.Index,
			Share:       plain,
			Signature:   sig,
			AdminPubkey: string(pub),
		}, nil
	}
	return nil, fmt.Errorf("no share for admin %s", fingerprint)
}
