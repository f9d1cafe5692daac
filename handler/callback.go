package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/contractlens/backend/model"
	"github.com/contractlens/backend/pkg/logger"
	"github.com/contractlens/backend/service"
	"github.com/gin-gonic/gin"
)

// CallbackVerifier authenticates and decodes parser callbacks
type CallbackVerifier interface {
	ParseCallback(payload service.MineruCallbackPayload) (*service.TaskState, error)
}

// ResultSink takes over a contract once its parse task has ended
type ResultSink interface {
	Resume(ctx context.Context, contractID, zipURL string)
	Fail(ctx context.Context, contractID string, cause error) error
}

type CallbackHandler struct {
	verifier CallbackVerifier
	store    service.Store
	sink     ResultSink
}

func NewCallbackHandler(verifier CallbackVerifier, store service.Store, sink ResultSink) *CallbackHandler {
	return &CallbackHandler{
		verifier: verifier,
		store:    store,
		sink:     sink,
	}
}

// HandleCallback receives task results pushed by MinerU
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	ctx := c.Request.Context()

	var req service.MineruCallbackPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	state, err := h.verifier.ParseCallback(req)
	if errors.Is(err, service.ErrInvalidChecksum) {
		logger.Warn(ctx, "rejected callback with bad checksum")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid checksum"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format"})
		return
	}

	// DataID carries our contract id
	contract, err := h.store.Get(ctx, state.DataID)
	if errors.Is(err, service.ErrContractNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found"})
		return
	}
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Storage error"})
		return
	}

	ctx = logger.With(ctx, logger.ContractIDKey, contract.ID)
	logger.Info(ctx, "parse callback received", "task_id", state.TaskID, "state", state.State)

	// late or repeated callbacks must not undo a finished extraction
	if contract.Status == model.StatusCompleted {
		logger.Info(ctx, "contract already completed, ignoring callback")
		c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
		return
	}

	switch state.State {
	case service.TaskStateDone:
		if state.FullZipURL == "" {
			h.sink.Fail(ctx, contract.ID, errors.New("parse task finished without a result archive"))
			break
		}
		h.sink.Resume(ctx, contract.ID, state.FullZipURL)
	case service.TaskStateFailed:
		msg := state.ErrorMsg
		if msg == "" {
			msg = "document parsing failed"
		}
		h.sink.Fail(ctx, contract.ID, errors.New(msg))
	}

	c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
}
