package fiscal

import (
	"crypto"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"go_fiskal/internal/certparse"
	"go_fiskal/internal/model"
)

// Wire format constants for the CIS fiscalization service.
const (
	NamespaceF73 = "http://www.apis-it.hr/fin/2012/types/f73"

	// RequestElementID is the well-known Id attribute on the request root.
	// The XML signer references it, so builder and signer must agree on it.
	RequestElementID = "RacunZahtjev"

	dateTimeFormat = "02.01.2006T15:04:05"
	zkiTimeFormat  = "02.01.2006 15:04:05"
)

// BuildParams carries the per-build inputs that vary between rebuilds of the
// same logical invoice. Keeping them explicit makes the builder output
// reproducible for dead-letter diagnosis.
type BuildParams struct {
	Now       time.Time
	MessageID string
}

// BuildResult is an unsigned request document plus its protective code.
type BuildResult struct {
	XML string
	ZKI string
}

// RateBucket is the per-VAT-rate breakdown the wire format requires.
type RateBucket struct {
	Rate   float64
	Base   float64
	Amount float64
}

// BuildInvoiceRequest maps the invoice and company read models into an
// unsigned RacunZahtjev document and computes the ZKI protective code with
// the certificate private key. messageType cancellation builds the same
// payload with negated amounts (storno).
func BuildInvoiceRequest(inv *model.Invoice, comp *model.Company, key *rsa.PrivateKey, messageType string, p BuildParams) (*BuildResult, error) {
	if err := validateBuildInputs(inv, comp); err != nil {
		return nil, err
	}

	lines, err := inv.LineItems()
	if err != nil {
		return nil, fmt.Errorf("invalid invoice line items: %w", err)
	}
	if len(lines) == 0 {
		return nil, errors.New("invoice has no line items")
	}

	sign := 1.0
	if messageType == model.MessageTypeCancellation {
		sign = -1.0
	}
	total := sign * inv.Total

	zki, err := ComputeZKI(key, comp.TaxID, inv.IssueDate, inv.Number, comp.PremisesCode, comp.DeviceCode, total)
	if err != nil {
		return nil, fmt.Errorf("failed to compute protective code: %w", err)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("tns:RacunZahtjev")
	root.CreateAttr("xmlns:tns", NamespaceF73)
	root.CreateAttr("Id", RequestElementID)

	header := root.CreateElement("tns:Zaglavlje")
	header.CreateElement("tns:IdPoruke").SetText(p.MessageID)
	header.CreateElement("tns:DatumVrijeme").SetText(p.Now.Format(dateTimeFormat))

	racun := root.CreateElement("tns:Racun")
	racun.CreateElement("tns:Oib").SetText(comp.TaxID)
	racun.CreateElement("tns:USustPdv").SetText(strconv.FormatBool(comp.VATRegistered))
	racun.CreateElement("tns:DatVrijeme").SetText(inv.IssueDate.Format(dateTimeFormat))
	racun.CreateElement("tns:OznSlijed").SetText("N") // numbering per device

	brRac := racun.CreateElement("tns:BrRac")
	brRac.CreateElement("tns:BrOznRac").SetText(inv.Number)
	brRac.CreateElement("tns:OznPosPr").SetText(comp.PremisesCode)
	brRac.CreateElement("tns:OznNapUr").SetText(comp.DeviceCode)

	pdv := racun.CreateElement("tns:Pdv")
	for _, bucket := range GroupByRate(lines) {
		porez := pdv.CreateElement("tns:Porez")
		porez.CreateElement("tns:Stopa").SetText(formatAmount(bucket.Rate))
		porez.CreateElement("tns:Osnovica").SetText(formatAmount(sign * bucket.Base))
		porez.CreateElement("tns:Iznos").SetText(formatAmount(sign * bucket.Amount))
	}

	racun.CreateElement("tns:IznosUkupno").SetText(formatAmount(total))
	racun.CreateElement("tns:NacinPlac").SetText(inv.PaymentMethod)
	racun.CreateElement("tns:OibOper").SetText(inv.OperatorTaxID)
	racun.CreateElement("tns:ZastKod").SetText(zki)
	racun.CreateElement("tns:NakDost").SetText("false")

	xml, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	return &BuildResult{XML: xml, ZKI: zki}, nil
}

// BuildEchoRequest builds the CIS echo message used by verify requests.
func BuildEchoRequest(text string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	echo := doc.CreateElement("tns:EchoRequest")
	echo.CreateAttr("xmlns:tns", NamespaceF73)
	echo.SetText(text)
	return doc.WriteToString()
}

// ComputeZKI derives the issuer protective code: the MD5 hex digest of an
// RSA-SHA1 signature over the concatenated invoice identifiers. This is a
// raw signature, deliberately distinct from the enveloped XML signature.
func ComputeZKI(key *rsa.PrivateKey, oib string, issuedAt time.Time, number, premises, device string, total float64) (string, error) {
	if key == nil {
		return "", errors.New("nil private key")
	}

	payload := oib + issuedAt.Format(zkiTimeFormat) + number + premises + device + formatAmount(total)
	digest := sha1.Sum([]byte(payload))

	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return "", err
	}

	sum := md5.Sum(signature)
	return hex.EncodeToString(sum[:]), nil
}

// GroupByRate collapses invoice lines into per-VAT-rate buckets, ordered by
// ascending rate so rebuilds are byte-stable.
func GroupByRate(lines []model.LineItem) []RateBucket {
	byRate := make(map[float64]*RateBucket)
	for _, line := range lines {
		bucket, ok := byRate[line.VATRate]
		if !ok {
			bucket = &RateBucket{Rate: line.VATRate}
			byRate[line.VATRate] = bucket
		}
		bucket.Base += line.VATBase
		bucket.Amount += line.VATAmount
	}

	buckets := make([]RateBucket, 0, len(byRate))
	for _, bucket := range byRate {
		buckets = append(buckets, *bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Rate < buckets[j].Rate })
	return buckets
}

func validateBuildInputs(inv *model.Invoice, comp *model.Company) error {
	if !certparse.ValidateOIB(comp.TaxID) {
		return fmt.Errorf("company tax id %q fails checksum", comp.TaxID)
	}
	if comp.PremisesCode == "" || comp.DeviceCode == "" {
		return errors.New("company premises or device code missing")
	}
	if inv.Number == "" {
		return errors.New("invoice number missing")
	}
	if inv.PaymentMethod == "" {
		return errors.New("invoice payment method missing")
	}
	if inv.IssueDate.IsZero() {
		return errors.New("invoice issue date missing")
	}
	return nil
}

// formatAmount renders monetary values and rates the way CIS expects them:
// two decimals, dot separator.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
