package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/contractlens/backend/middleware"
	"github.com/contractlens/backend/model"
	"github.com/contractlens/backend/pkg/logger"
	"github.com/contractlens/backend/service"
	"github.com/contractlens/backend/viewmodel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	maxUploadBytes = 50 << 20
	maxRecordBytes = 1 << 20

	pdfContentType = "application/pdf"
)

// ObjectStorage keeps the uploaded PDF files
type ObjectStorage interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, objectName string) (string, error)
	Open(ctx context.Context, objectName string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, objectName string) error
}

// Pipeline processes an uploaded contract in the background
type Pipeline interface {
	Start(ctx context.Context, contract *model.Contract)
}

type ContractHandler struct {
	storage  ObjectStorage
	store    service.Store
	pipeline Pipeline
}

func NewContractHandler(storage ObjectStorage, store service.Store, pipeline Pipeline) *ContractHandler {
	return &ContractHandler{
		storage:  storage,
		store:    store,
		pipeline: pipeline,
	}
}

// Upload stores a PDF contract and starts processing it
func (h *ContractHandler) Upload(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	ctx := c.Request.Context()

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return
	}
	defer file.Close()

	if strings.ToLower(filepath.Ext(header.Filename)) != ".pdf" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files are supported."})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
		return
	}

	// the extension alone is not trusted
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	head = head[:n]
	if http.DetectContentType(head) != pdfContentType {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only PDF files are supported."})
		return
	}
	body := io.MultiReader(bytes.NewReader(head), file)

	filename := filepath.Base(header.Filename)
	contractID := uuid.NewString()
	objectName := service.ObjectName(tenant, contractID, filename)

	if err := h.storage.Upload(ctx, objectName, body, header.Size, pdfContentType); err != nil {
		logger.Error(ctx, "upload failed", "object", objectName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload file"})
		return
	}

	pdfURL, err := h.storage.PresignedURL(ctx, objectName)
	if err != nil {
		logger.Error(ctx, "presign failed", "object", objectName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate URL"})
		return
	}

	now := time.Now()
	contract := &model.Contract{
		ID:         contractID,
		Filename:   filename,
		Tenant:     tenant,
		ObjectName: objectName,
		PDFURL:     pdfURL,
		Status:     model.StatusPending,
		Progress:   model.ProgressQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.Save(ctx, contract); err != nil {
		logger.Error(ctx, "failed to save contract", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save contract"})
		return
	}

	logger.Info(ctx, "contract uploaded", "contract_id", contractID, "bytes", header.Size)
	h.pipeline.Start(ctx, contract)

	c.JSON(http.StatusOK, gin.H{
		"contract_id": contractID,
		"filename":    filename,
		"status":      model.StatusPending,
	})
}

// List returns the tenant's contracts, newest first, optionally filtered
// by status
func (h *ContractHandler) List(c *gin.Context) {
	tenant := middleware.GetTenant(c)

	status := c.Query("status")
	if status != "" && !model.ValidStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
		return
	}

	contracts, err := h.store.ListByTenant(c.Request.Context(), tenant)
	if err != nil {
		h.storeError(c, err)
		return
	}

	result := make([]gin.H, 0, len(contracts))
	for _, contract := range contracts {
		if status != "" && contract.Status != status {
			continue
		}
		result = append(result, gin.H{
			"contract_id": contract.ID,
			"filename":    contract.Filename,
			"status":      contract.Status,
			"progress":    contract.Progress,
			"score":       contract.Score(),
			"created_at":  contract.CreatedAt.Format(time.RFC3339),
			"updated_at":  contract.UpdatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"contracts": result})
}

// Get returns a single contract with its extraction
func (h *ContractHandler) Get(c *gin.Context) {
	contract, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, contract)
}

// GetStatus returns the processing status of a contract
func (h *ContractHandler) GetStatus(c *gin.Context) {
	contract, ok := h.lookup(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract_id": contract.ID,
		"status":      contract.Status,
		"progress":    contract.Progress,
		"error":       contract.ErrorMsg,
	})
}

// GetData returns the raw extraction of a completed contract
func (h *ContractHandler) GetData(c *gin.Context) {
	contract, ok := h.completed(c)
	if !ok {
		return
	}

	e := contract.Extraction
	data := make(gin.H, len(model.FieldKeys))
	for _, key := range model.FieldKeys {
		data[key] = e.Field(key)
	}
	scores := e.ConfidenceScores
	if scores == nil {
		scores = map[string]float64{}
	}
	gaps := e.Gaps
	if gaps == nil {
		gaps = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"contract_id":       contract.ID,
		"data":              data,
		"confidence_scores": scores,
		"gaps":              gaps,
		"score":             e.Score,
	})
}

// GetView returns the display ready view of a completed contract
func (h *ContractHandler) GetView(c *gin.Context) {
	contract, ok := h.completed(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewmodel.Normalize(viewmodel.FromExtraction(contract.Extraction)))
}

// Normalize renders an arbitrary contract record posted by the client
func (h *ContractHandler) Normalize(c *gin.Context) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRecordBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Record too large"})
		return
	}

	rec, err := viewmodel.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewmodel.Normalize(rec))
}

// Download streams the original PDF
func (h *ContractHandler) Download(c *gin.Context) {
	contract, ok := h.lookup(c)
	if !ok {
		return
	}

	reader, size, err := h.storage.Open(c.Request.Context(), contract.ObjectName)
	if err != nil {
		logger.Warn(c.Request.Context(), "failed to open contract file", "object", contract.ObjectName, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found."})
		return
	}
	defer reader.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": contract.Filename})
	c.DataFromReader(http.StatusOK, size, pdfContentType, reader, map[string]string{
		"Content-Disposition": disposition,
	})
}

// Delete removes a contract and its stored file
func (h *ContractHandler) Delete(c *gin.Context) {
	contract, ok := h.lookup(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if contract.ObjectName != "" {
		if err := h.storage.Delete(ctx, contract.ObjectName); err != nil {
			logger.Warn(ctx, "failed to delete contract file", "object", contract.ObjectName, "error", err)
		}
	}
	if err := h.store.Delete(ctx, contract.ID); err != nil {
		h.storeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Contract deleted"})
}

// lookup loads the contract named in the path. Contracts of other tenants
// are reported as missing.
func (h *ContractHandler) lookup(c *gin.Context) (*model.Contract, bool) {
	contract, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return nil, false
	}
	if contract.Tenant != middleware.GetTenant(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found."})
		return nil, false
	}
	return contract, true
}

func (h *ContractHandler) completed(c *gin.Context) (*model.Contract, bool) {
	contract, ok := h.lookup(c)
	if !ok {
		return nil, false
	}
	if contract.Status != model.StatusCompleted || contract.Extraction == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Contract processing not complete."})
		return nil, false
	}
	return contract, true
}

func (h *ContractHandler) storeError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrContractNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found."})
		return
	}
	c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Storage error"})
}
