// Package caauthority implements the signing block: construct
// an issuer from the CA certificate and private key on disk, reparse the
// CSR, override its serial number with the job id, and sign.
package caauthority

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"time"

	"github.com/pkg/errors"
)

// validity is the lifetime given to every certificate this CA issues:
// one year, the conventional default for a CA whose own policy is
// otherwise unconfigured.
const validity = 365 * 24 * time.Hour

// Issuer signs certificate signing requests on behalf of a CA.
type Issuer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

// LoadIssuer reads the CA certificate and key from disk. A fresh issuer
// may be constructed per signing attempt; callers are expected to call
// this once per sign rather than hold a long-lived instance.
func LoadIssuer(certPath, keyPath string) (*Issuer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrap(err, "caauthority: read ca certificate")
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "caauthority: read ca key")
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("caauthority: no PEM block found in ca certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "caauthority: parse ca certificate")
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("caauthority: no PEM block found in ca key")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "caauthority: parse ca key")
	}

	return &Issuer{cert: cert, key: key}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding")
}

// ParseCSR parses a PEM-encoded certificate signing request, used by the
// intake handler to validate a submission beyond a bare PEM decode.
func ParseCSR(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, errors.New("caauthority: no PEM block found in csr")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "caauthority: parse csr")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Wrap(err, "caauthority: csr signature does not verify")
	}
	return csr, nil
}

// Sign reparses csrPEM, overrides the resulting certificate's serial
// number with serial, and signs it with the CA's key.
func (i *Issuer) Sign(csrPEM string, serial uint64) (string, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return "", err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(serial),
		Subject:               csr.Subject,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
		URIs:                  csr.URIs,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, i.cert, csr.PublicKey, i.key)
	if err != nil {
		return "", errors.Wrap(err, "caauthority: sign certificate")
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", errors.Wrap(err, "caauthority: encode certificate")
	}
	return buf.String(), nil
}
