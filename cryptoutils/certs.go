package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ClientCertificateLoader returns a function loading the client certificate
// used for mutual TLS with storage backends. The files are re-read on every
// call so a rotated certificate is picked up without a restart.
func ClientCertificateLoader(certFile, keyFile string) func() (tls.Certificate, error) {
	return func() (tls.Certificate, error) {
		certPEM, err := os.ReadFile(certFile)
		if err != nil {
			return tls.Certificate{}, err
		}
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return tls.Certificate{}, err
		}
		return ParseClientCertificate(certPEM, keyPEM, time.Now())
	}
}

// ParseClientCertificate parses a PEM certificate and private key pair and
// checks the certificate is valid at now.
func ParseClientCertificate(certPEM, keyPEM []byte, now time.Time) (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("invalid client certificate: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, errors.New("no certificate in PEM")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("client certificate %q not valid at %s", leaf.Subject.CommonName, now.Format(time.RFC3339))
	}
	cert.Leaf = leaf
	return cert, nil
}

// RandomCert generates a self-signed P-256 certificate for cn valid for the
// given duration, returned as PEM.
func RandomCert(cn string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, nil, err
	}

	privkeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privkeyBytes}), nil
}
