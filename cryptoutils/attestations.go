package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// AttestationType selects the attestation backend. It is resolved once at
// start-up; every node of a network uses the same backend.
type AttestationType string

const (
	DCAPAttestation  AttestationType = "dcap"
	DummyAttestation AttestationType = "dummy"
)

func AttestationTypeFromString(str string) (AttestationType, error) {
	switch AttestationType(str) {
	case DCAPAttestation, DummyAttestation:
		return AttestationType(str), nil
	default:
		return "", fmt.Errorf("%w: attestation type %q", errors.ErrUnsupported, str)
	}
}

// AttestationProvider produces a quote committing to reportData.
type AttestationProvider interface {
	AttestationType() AttestationType
	Attest(reportData [64]byte) ([]byte, error)
}

// AttestationVerifier checks that a quote is genuine and commits to reportData.
// It returns the measurements of the attested instance.
type AttestationVerifier interface {
	AttestationType() AttestationType
	Verify(reportData [64]byte, quote []byte) (map[int]string, error)
}

// AttestationBackend returns the provider and verifier pair for t.
func AttestationBackend(t AttestationType) (AttestationProvider, AttestationVerifier, error) {
	switch t {
	case DCAPAttestation:
		return DCAPAttestationProvider{}, DCAPAttestationVerifier{}, nil
	case DummyAttestation:
		return DummyAttestationProvider{}, DummyAttestationVerifier{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: attestation type %q", errors.ErrUnsupported, t)
	}
}

// ReportDataForKey binds a quote to an X25519 public key: sha256(pub) padded to 64 bytes.
func ReportDataForKey(pub X25519PublicKey) [64]byte {
	var rd [64]byte
	h := sha256.Sum256(pub[:])
	copy(rd[:], h[:])
	return rd
}

type DCAPAttestationProvider struct{}

func (DCAPAttestationProvider) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, err
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}

type DCAPAttestationVerifier struct{}

func (DCAPAttestationVerifier) AttestationType() AttestationType { return DCAPAttestation }

func (DCAPAttestationVerifier) Verify(reportData [64]byte, quote []byte) (map[int]string, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", v4Quote.TdQuoteBody.ReportData, reportData[:])
	}

	return map[int]string{
		0: hex.EncodeToString(v4Quote.TdQuoteBody.MrTd),
		1: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[0]),
		2: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[1]),
		3: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[2]),
		4: hex.EncodeToString(v4Quote.TdQuoteBody.Rtmrs[3]),
		5: hex.EncodeToString(v4Quote.TdQuoteBody.MrConfigId),
		6: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwner),
		7: hex.EncodeToString(v4Quote.TdQuoteBody.MrOwnerConfig),
	}, nil
}

// DummyAttestationProvider is a software stand-in for development networks.
// Its quotes carry no security.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) AttestationType() AttestationType { return DummyAttestation }

func (DummyAttestationProvider) Attest(reportData [64]byte) ([]byte, error) {
	return []byte(fmt.Sprintf("dummy-quote:%x", reportData)), nil
}

type DummyAttestationVerifier struct{}

func (DummyAttestationVerifier) AttestationType() AttestationType { return DummyAttestation }

func (DummyAttestationVerifier) Verify(reportData [64]byte, quote []byte) (map[int]string, error) {
	expected := fmt.Sprintf("dummy-quote:%x", reportData)
	if string(quote) != expected {
		return nil, errors.New("dummy quote does not match report data")
	}
	return map[int]string{}, nil
}
