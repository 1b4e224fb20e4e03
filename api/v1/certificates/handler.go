package certificates

import (
	"errors"
	"io"
	"strconv"

	"go_fiskal/api/v1/middleware"
	"go_fiskal/internal/cert"
	"go_fiskal/internal/certparse"
	"go_fiskal/internal/httpx"
	"go_fiskal/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// maxUploadSize caps the PKCS#12 upload. Real signing certificates are a few
// kilobytes; anything bigger is garbage or abuse.
const maxUploadSize = 64 << 10

// Handler handles certificate-related API requests
type Handler struct {
	certService *cert.Service
}

// NewHandler creates a new certificate handler
func NewHandler(certService *cert.Service) *Handler {
	return &Handler{certService: certService}
}

// Parse handles POST /api/v1/certificates/parse
// Dry-run upload: decodes and validates the container, returns its metadata,
// persists nothing. The UI shows this to the operator for confirmation.
func (h *Handler) Parse(c *gin.Context) {
	p12, password, appErr := readUpload(c)
	if appErr != nil {
		httpx.FailErr(c, appErr)
		return
	}

	parsed, err := h.certService.ParseUpload(p12, password)
	if err != nil {
		httpx.FailErr(c, parseUploadError(err))
		return
	}

	httpx.OK(c, gin.H{
		"subject":      parsed.Subject,
		"serialNumber": parsed.SerialNumber,
		"taxId":        parsed.TaxID,
		"fingerprint":  parsed.Fingerprint,
		"notBefore":    parsed.NotBefore,
		"notAfter":     parsed.NotAfter,
	})
}

// Upload handles POST /api/v1/certificates
// Parses, encrypts and stores the certificate for one environment. A second
// upload for the same environment replaces the previous record.
func (h *Handler) Upload(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	environment := c.PostForm("environment")
	if environment != model.EnvironmentTest && environment != model.EnvironmentProd {
		httpx.FailErr(c, httpx.ErrParamInvalid("environment must be test or prod"))
		return
	}

	p12, password, appErr := readUpload(c)
	if appErr != nil {
		httpx.FailErr(c, appErr)
		return
	}

	record, err := h.certService.Save(companyID, environment, p12, password)
	if err != nil {
		httpx.FailErr(c, parseUploadError(err))
		return
	}

	httpx.OK(c, record)
}

// List handles GET /api/v1/certificates
func (h *Handler) List(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	records, err := h.certService.List(companyID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list certificates", err))
		return
	}

	httpx.OK(c, records)
}

// Revoke handles POST /api/v1/certificates/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid certificate id"))
		return
	}

	if err := h.certService.Revoke(companyID, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("certificate not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to revoke certificate", err))
		return
	}

	httpx.OKMsg(c, "certificate revoked", nil)
}

// Delete handles POST /api/v1/certificates/:id/delete
func (h *Handler) Delete(c *gin.Context) {
	companyID := middleware.CompanyID(c)

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid certificate id"))
		return
	}

	if err := h.certService.Delete(companyID, id); err != nil {
		switch {
		case errors.Is(err, cert.ErrInUse):
			httpx.FailErr(c, httpx.ErrStateConflict("certificate is referenced by pending fiscal requests"))
		case errors.Is(err, gorm.ErrRecordNotFound):
			httpx.FailErr(c, httpx.ErrNotFound("certificate not found"))
		default:
			httpx.FailErr(c, httpx.ErrDatabaseError("failed to delete certificate", err))
		}
		return
	}

	httpx.OKMsg(c, "certificate deleted", nil)
}

// readUpload extracts the PKCS#12 file and its password from a multipart
// form.
func readUpload(c *gin.Context) ([]byte, string, *httpx.AppError) {
	password := c.PostForm("password")
	if password == "" {
		return nil, "", httpx.ErrParamMissing("password is required")
	}

	fileHeader, err := c.FormFile("certificate")
	if err != nil {
		return nil, "", httpx.ErrParamMissing("certificate file is required")
	}
	if fileHeader.Size > maxUploadSize {
		return nil, "", httpx.ErrParamInvalid("certificate file exceeds 64KiB")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return nil, "", httpx.ErrInternalError("failed to read upload", err)
	}
	defer file.Close()

	p12, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		return nil, "", httpx.ErrInternalError("failed to read upload", err)
	}
	if len(p12) > maxUploadSize {
		return nil, "", httpx.ErrParamInvalid("certificate file exceeds 64KiB")
	}
	return p12, password, nil
}

// parseUploadError maps certificate parse sentinels onto API errors.
func parseUploadError(err error) *httpx.AppError {
	switch {
	case errors.Is(err, certparse.ErrInvalidPassword):
		return httpx.ErrUnprocessable("certificate password is incorrect")
	case errors.Is(err, certparse.ErrMalformedContainer):
		return httpx.ErrUnprocessable("file is not a valid PKCS#12 container")
	case errors.Is(err, certparse.ErrNoTaxIDFound):
		return httpx.ErrUnprocessable("certificate subject carries no tax id")
	case errors.Is(err, certparse.ErrInvalidTaxID):
		return httpx.ErrUnprocessable("certificate tax id fails its checksum")
	case errors.Is(err, certparse.ErrNotYetValid):
		return httpx.ErrUnprocessable("certificate is not yet valid")
	case errors.Is(err, certparse.ErrExpired):
		return httpx.ErrUnprocessable("certificate has expired")
	default:
		return httpx.ErrInternalError("failed to process certificate", err)
	}
}
