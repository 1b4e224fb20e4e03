package fiscal

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// SignEnveloped signs the built request document with an enveloped XML
// signature: RSA-SHA256, exclusive C14N, transforms enveloped-signature then
// exc-C14N, reference to the element carrying the RequestElementID. The
// KeyInfo embeds the base64 DER certificate so CIS can validate against its
// own trust store. goxmldsig appends ds:Signature as the last child of the
// signed element, which is where CIS expects it.
func SignEnveloped(unsignedXML string, keyPEM, certPEM []byte) (string, error) {
	key, err := parseRSAPrivateKeyPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse signing key: %w", err)
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse signing certificate: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(unsignedXML); err != nil {
		return "", fmt.Errorf("failed to parse unsigned document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", errors.New("unsigned document has no root element")
	}
	if root.SelectAttrValue("Id", "") == "" {
		return "", fmt.Errorf("root element carries no Id attribute to reference")
	}

	ctx, err := dsig.NewSigningContext(key, [][]byte{cert.Raw})
	if err != nil {
		return "", fmt.Errorf("failed to create signing context: %w", err)
	}
	ctx.Hash = crypto.SHA256
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	// The builder emits Id, not the library's default ID; without this the
	// reference falls back to an empty URI instead of #RacunZahtjev.
	ctx.IdAttribute = "Id"

	signed, err := ctx.SignEnveloped(root)
	if err != nil {
		return "", fmt.Errorf("failed to sign document: %w", err)
	}

	signedDoc := etree.NewDocument()
	signedDoc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	signedDoc.SetRoot(signed)

	out, err := signedDoc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to serialize signed document: %w", err)
	}
	return out, nil
}

func parseRSAPrivateKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
