package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/secretmsg"
)

// clientKey is the JSON file written by "keygen client".
type clientKey struct {
	Private string `json:"private_key"`
	Public  string `json:"public_key"`
}

func newClientKey() (*clientKey, error) {
	kp, err := cryptoutils.NewX25519KeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &clientKey{
		Private: hex.EncodeToString(kp.Private[:]),
		Public:  kp.Public.String(),
	}, nil
}

func (k *clientKey) keypair() (cryptoutils.X25519KeyPair, error) {
	raw, err := hex.DecodeString(k.Private)
	if err != nil {
		return cryptoutils.X25519KeyPair{}, fmt.Errorf("invalid client private key: %w", err)
	}
	return cryptoutils.X25519KeyPairFromPrivate(raw)
}

func loadClientKey(path string) (cryptoutils.X25519KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cryptoutils.X25519KeyPair{}, err
	}
	var k clientKey
	if err := json.Unmarshal(data, &k); err != nil {
		return cryptoutils.X25519KeyPair{}, fmt.Errorf("parsing client key %s: %w", path, err)
	}
	return k.keypair()
}

func parsePubkeyHex(s string) (cryptoutils.X25519PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return cryptoutils.X25519PublicKey{}, fmt.Errorf("invalid io pubkey: %w", err)
	}
	return cryptoutils.NewX25519PublicKeyFromBytes(raw)
}

func parseNonceHex(s string) (interfaces.IoNonce, error) {
	var nonce interfaces.IoNonce
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(raw) != len(nonce) {
		return nonce, fmt.Errorf("nonce must be %d bytes, got %d", len(nonce), len(raw))
	}
	copy(nonce[:], raw)
	return nonce, nil
}

// sealedCall is the output of "encrypt": the envelope and the nonce needed to
// read the result.
type sealedCall struct {
	Envelope []byte `json:"msg"`
	Nonce    string `json:"nonce"`
}

// encryptMsg builds an envelope for a contract with the given code hash.
func encryptMsg(client cryptoutils.X25519KeyPair, enginePub cryptoutils.X25519PublicKey, codeHash interfaces.CodeHash, msg []byte) (*sealedCall, interfaces.IoNonce, error) {
	var nonce interfaces.IoNonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, err
	}
	sm, err := secretmsg.NewEncrypted(client, enginePub, nonce, secretmsg.PrependCodeHash(codeHash, msg))
	if err != nil {
		return nil, nonce, err
	}
	return &sealedCall{Envelope: sm.Bytes(), Nonce: hex.EncodeToString(nonce[:])}, nonce, nil
}

// decryptOutput reads an encrypted call result. A string result or an error
// message is returned as is; a structured result yields its data field.
func decryptOutput(client cryptoutils.X25519KeyPair, enginePub cryptoutils.X25519PublicKey, nonce interfaces.IoNonce, output []byte) ([]byte, error) {
	key, err := secretmsg.ClientKey(client, enginePub, nonce)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	var res map[string]json.RawMessage
	if err := json.Unmarshal(output, &res); err != nil {
		return nil, fmt.Errorf("parsing output: %w", err)
	}

	if body, ok := res[secretmsg.TagErr]; ok {
		var genericErr struct {
			GenericErr struct {
				Msg string `json:"msg"`
			} `json:"generic_err"`
		}
		if err := json.Unmarshal(body, &genericErr); err != nil {
			return nil, fmt.Errorf("parsing error output: %w", err)
		}
		msg, err := secretmsg.DecryptField(key, genericErr.GenericErr.Msg)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("contract error: %s", msg)
	}

	body, ok := res[secretmsg.TagOk]
	if !ok {
		return nil, errors.New("output is neither Ok nor Err")
	}

	var field string
	if err := json.Unmarshal(body, &field); err == nil {
		return secretmsg.DecryptField(key, field)
	}

	var structured struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(body, &structured); err != nil {
		return nil, fmt.Errorf("parsing result: %w", err)
	}
	if structured.Data == nil {
		return nil, nil
	}
	encoded, err := secretmsg.DecryptField(key, base64.StdEncoding.EncodeToString(structured.Data))
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(string(encoded))
}
