package fiscal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"

	"go_fiskal/internal/model"
)

// Default CIS endpoints. Overridable via configuration so tests and staging
// can point at a mock service.
const (
	DefaultTestEndpoint = "https://cistest.apis-it.hr:8449/FiskalizacijaService"
	DefaultProdEndpoint = "https://cis.porezna-uprava.hr:8449/FiskalizacijaService"
)

// SubmitResult is the parsed acknowledgment from the tax authority. The raw
// response body is always carried for audit storage regardless of outcome.
type SubmitResult struct {
	JIR         string
	HTTPStatus  int
	RawResponse string
}

// ClientConfig configures the submission client.
type ClientConfig struct {
	TestEndpoint string
	ProdEndpoint string
	Timeout      time.Duration
}

// Client delivers signed XML to the CIS endpoint and parses the response.
type Client struct {
	httpClient   *http.Client
	testEndpoint string
	prodEndpoint string
	timeout      time.Duration
}

// NewClient creates a submission client. Zero-value config fields fall back
// to the production defaults (30s timeout, official endpoints).
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient:   &http.Client{},
		testEndpoint: cfg.TestEndpoint,
		prodEndpoint: cfg.ProdEndpoint,
		timeout:      cfg.Timeout,
	}
	if c.testEndpoint == "" {
		c.testEndpoint = DefaultTestEndpoint
	}
	if c.prodEndpoint == "" {
		c.prodEndpoint = DefaultProdEndpoint
	}
	if c.timeout == 0 {
		c.timeout = 30 * time.Second
	}
	return c
}

// Submit POSTs the signed document to the endpoint for the given environment
// and parses the acknowledgment. The call carries a hard timeout; expiry is
// classified as a retriable network failure, never left to hang the worker.
func (c *Client) Submit(ctx context.Context, environment, signedXML string) (*SubmitResult, *Error) {
	endpoint := c.testEndpoint
	if environment == model.EnvironmentProd {
		endpoint = c.prodEndpoint
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	envelope := wrapSOAP(signedXML)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, NewError(CodeSubmitHTTP, "failed to build submission request", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, NewError(CodeSubmitTimeout, fmt.Sprintf("submission timed out after %s", c.timeout), err)
		}
		return nil, NewError(CodeSubmitHTTP, "submission transport failure", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewHTTPError(CodeSubmitHTTP, "failed to read authority response", resp.StatusCode, err)
	}
	raw := string(body)

	result, ferr := parseResponse(raw, resp.StatusCode)
	if ferr != nil {
		// Keep the raw body so the caller can persist it for audit even on
		// failure.
		ferr.Message = fmt.Sprintf("%s (raw response retained)", ferr.Message)
		return &SubmitResult{HTTPStatus: resp.StatusCode, RawResponse: raw}, ferr
	}
	result.HTTPStatus = resp.StatusCode
	result.RawResponse = raw
	return result, nil
}

// wrapSOAP embeds a signed document into a SOAP 1.1 envelope. The signed
// XML's own prolog is stripped first.
func wrapSOAP(signedXML string) string {
	payload := signedXML
	if idx := strings.Index(payload, "?>"); idx >= 0 && strings.HasPrefix(strings.TrimSpace(payload), "<?xml") {
		payload = payload[idx+2:]
	}
	var sb strings.Builder
	sb.WriteString(`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/">`)
	sb.WriteString(`<soapenv:Body>`)
	sb.WriteString(payload)
	sb.WriteString(`</soapenv:Body></soapenv:Envelope>`)
	return sb.String()
}

// parseResponse classifies an authority response body. A Jir element means
// success. A structured error code means the authority rejected the payload
// (non-retriable, requires operator correction). Anything else is a
// retriable transport-class failure.
func parseResponse(raw string, httpStatus int) (*SubmitResult, *Error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(raw); err != nil {
		if httpStatus < 200 || httpStatus >= 300 {
			return nil, NewHTTPError(CodeSubmitHTTP, fmt.Sprintf("authority returned HTTP %d", httpStatus), httpStatus, nil)
		}
		return nil, NewHTTPError(CodeResponseMalformed, "authority response is not XML", httpStatus, err)
	}

	if jir := findText(doc, "Jir"); jir != "" {
		return &SubmitResult{JIR: jir}, nil
	}

	// Echo replies carry no Jir; treat a well-formed 2xx EchoResponse as
	// success with an empty identifier.
	if doc.Root() != nil && doc.FindElement("//EchoResponse") != nil && httpStatus >= 200 && httpStatus < 300 {
		return &SubmitResult{}, nil
	}

	if code := findText(doc, "SifraGreske"); code != "" {
		message := findText(doc, "PorukaGreske")
		return nil, NewHTTPError(CodeAuthorityRejected,
			fmt.Sprintf("authority rejected payload: %s %s", code, message), httpStatus, nil)
	}

	if httpStatus < 200 || httpStatus >= 300 {
		return nil, NewHTTPError(CodeSubmitHTTP, fmt.Sprintf("authority returned HTTP %d", httpStatus), httpStatus, nil)
	}
	return nil, NewHTTPError(CodeResponseMalformed, "authority response carries neither Jir nor error code", httpStatus, nil)
}

// findText returns the text of the first element with the given local tag,
// at any depth and under any namespace prefix.
func findText(doc *etree.Document, tag string) string {
	if el := doc.FindElement("//" + tag); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}
