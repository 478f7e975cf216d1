package secretmsg

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// CallbackSignature authenticates a message one contract sends to another:
// sha256(secret ‖ sender ‖ ciphertext ‖ json(funds)). Only a node holding the
// callback secret can produce it, so the receiving call can trust that the
// sender and funds were set by a contract and not by the relaying host.
func CallbackSignature(secret cryptoutils.AESKey, sender []byte, ciphertext []byte, funds []interfaces.Coin) ([]byte, error) {
	if funds == nil {
		funds = []interfaces.Coin{}
	}
	fundsJSON, err := marshalJSON(funds)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(secret[:])
	h.Write(sender)
	h.Write(ciphertext)
	h.Write(fundsJSON)
	return h.Sum(nil), nil
}

// VerifyCallbackSignature reports whether sig was produced by CallbackSignature
// for the same inputs.
func VerifyCallbackSignature(secret cryptoutils.AESKey, sender []byte, ciphertext []byte, funds []interfaces.Coin, sig []byte) bool {
	expected, err := CallbackSignature(secret, sender, ciphertext, funds)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(expected, sig) == 1
}
