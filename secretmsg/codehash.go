package secretmsg

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// HexCodeHashSize is the length of the code hash prefix of a call plaintext.
const HexCodeHashSize = 2 * interfaces.HashSize

// PrependCodeHash prefixes msg with the hex code hash of the contract it is
// addressed to.
func PrependCodeHash(codeHash interfaces.CodeHash, msg []byte) []byte {
	out := make([]byte, 0, HexCodeHashSize+len(msg))
	out = append(out, codeHash.String()...)
	return append(out, msg...)
}

// StripCodeHash checks that plaintext is addressed to the contract with the
// given code hash and returns the message without the prefix. A message sent
// to other code fails with ErrAuthenticationFailure.
func StripCodeHash(codeHash interfaces.CodeHash, plaintext []byte) ([]byte, error) {
	if len(plaintext) < HexCodeHashSize {
		return nil, fmt.Errorf("%w: message is shorter than the code hash prefix", interfaces.ErrMalformedInput)
	}

	prefix := strings.ToLower(string(plaintext[:HexCodeHashSize]))
	if _, err := hex.DecodeString(prefix); err != nil {
		return nil, fmt.Errorf("%w: code hash prefix is not hex", interfaces.ErrMalformedInput)
	}
	if subtle.ConstantTimeCompare([]byte(prefix), []byte(codeHash.String())) != 1 {
		return nil, fmt.Errorf("%w: message was addressed to other code", interfaces.ErrAuthenticationFailure)
	}
	return plaintext[HexCodeHashSize:], nil
}
