package certparse

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"regexp"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Typed parse failures. Callers map these onto the pipeline error taxonomy.
var (
	ErrInvalidPassword    = errors.New("invalid certificate password")
	ErrMalformedContainer = errors.New("malformed PKCS#12 container")
	ErrNoTaxIDFound       = errors.New("no tax id found in certificate subject")
	ErrInvalidTaxID       = errors.New("tax id check digit mismatch")
	ErrNotYetValid        = errors.New("certificate not yet valid")
	ErrExpired            = errors.New("certificate expired")
)

// ParsedCertificate is the result of decoding and validating a PKCS#12
// signing certificate.
type ParsedCertificate struct {
	PrivateKey   *rsa.PrivateKey
	Certificate  *x509.Certificate
	Subject      string
	SerialNumber string
	TaxID        string
	NotBefore    time.Time
	NotAfter     time.Time
	Fingerprint  string // SHA-256 over the DER certificate, hex
}

// oibPattern matches the first run of exactly 11 digits in a subject field.
var oibPattern = regexp.MustCompile(`[0-9]{11}`)

// taxIDProbes are the subject fields searched for an embedded OIB, in
// priority order. Different Croatian issuers (Fina RDC, AKD) put the OIB in
// different attributes; the first probe that yields an 11-digit run wins.
var taxIDProbes = []struct {
	name    string
	extract func(pkix.Name) string
}{
	{"serialNumber", func(n pkix.Name) string { return n.SerialNumber }},
	{"commonName", func(n pkix.Name) string { return n.CommonName }},
	{"organizationalUnit", func(n pkix.Name) string { return strings.Join(n.OrganizationalUnit, " ") }},
}

// Parse decodes a PKCS#12 container and validates the signing certificate it
// carries. It is a pure function over its inputs; the pipeline re-runs it at
// submission time so a certificate that expired after upload is still caught.
func Parse(p12 []byte, password string, now time.Time) (*ParsedCertificate, error) {
	key, cert, err := pkcs12.Decode(p12, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrInvalidPassword
		}
		return nil, ErrMalformedContainer
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrMalformedContainer
	}

	taxID, err := extractTaxID(cert.Subject)
	if err != nil {
		return nil, err
	}

	if now.Before(cert.NotBefore) {
		return nil, ErrNotYetValid
	}
	if now.After(cert.NotAfter) {
		return nil, ErrExpired
	}

	fingerprint := sha256.Sum256(cert.Raw)

	return &ParsedCertificate{
		PrivateKey:   rsaKey,
		Certificate:  cert,
		Subject:      cert.Subject.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		TaxID:        taxID,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  hex.EncodeToString(fingerprint[:]),
	}, nil
}

// extractTaxID probes the subject fields in priority order and checksums the
// first 11-digit candidate it finds.
func extractTaxID(subject pkix.Name) (string, error) {
	for _, probe := range taxIDProbes {
		candidate := oibPattern.FindString(probe.extract(subject))
		if candidate == "" {
			continue
		}
		if !ValidateOIB(candidate) {
			return "", ErrInvalidTaxID
		}
		return candidate, nil
	}
	return "", ErrNoTaxIDFound
}

// KeyPEM encodes the private key as PKCS#8 PEM for the XML signer.
func (p *ParsedCertificate) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(p.PrivateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// CertPEM encodes the leaf certificate as PEM for the XML signer.
func (p *ParsedCertificate) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.Certificate.Raw})
}
