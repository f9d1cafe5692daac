package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/model"
	"github.com/contractlens/backend/pkg/logger"
	"github.com/contractlens/backend/scoring"
)

// DocumentParser turns a stored PDF into text
type DocumentParser interface {
	CallbackMode() bool
	CreateTask(ctx context.Context, pdfURL, dataID string) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (*TaskState, error)
	FetchText(ctx context.Context, zipURL string) (string, error)
}

// FieldExtractor pulls the raw contract fields out of document text
type FieldExtractor interface {
	Extract(ctx context.Context, text string) (map[string]json.RawMessage, error)
}

const defaultPollInterval = 5 * time.Second

var errPollTimeout = errors.New("task polling timeout")

// Processor drives a contract from upload to a scored extraction:
// parse task, text, field extraction, scoring. Progress is written to the
// store at each checkpoint so clients can poll it.
type Processor struct {
	store     Store
	parser    DocumentParser
	extractor FieldExtractor

	pollInterval time.Duration
	maxPolls     int

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProcessor(store Store, parser DocumentParser, extractor FieldExtractor, cfg *config.MineruConfig) *Processor {
	root, cancel := context.WithCancel(context.Background())
	interval := cfg.PollInterval()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Processor{
		store:        store,
		parser:       parser,
		extractor:    extractor,
		pollInterval: interval,
		maxPolls:     cfg.MaxPolls,
		root:         root,
		cancel:       cancel,
	}
}

// Start processes the contract in the background. Values of ctx (request
// id, tenant) are kept for logging but its cancellation is not.
func (p *Processor) Start(ctx context.Context, contract *model.Contract) {
	p.background(ctx, contract.ID, func(ctx context.Context) error {
		return p.Run(ctx, contract)
	})
}

// Resume finishes a contract in the background once its parse result is
// available, as reported by a callback
func (p *Processor) Resume(ctx context.Context, contractID, zipURL string) {
	p.background(ctx, contractID, func(ctx context.Context) error {
		return p.Finish(ctx, contractID, zipURL)
	})
}

func (p *Processor) background(parent context.Context, contractID string, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx = logger.With(ctx, logger.ContractIDKey, contractID)
	stop := context.AfterFunc(p.root, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		defer stop()

		if err := run(ctx); err != nil {
			logger.Debug(ctx, "contract processing stopped", "error", err)
		}
	}()
}

// Shutdown cancels in-flight processing and waits for it to stop
func (p *Processor) Shutdown(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run submits the contract for parsing. In callback mode it returns once
// the task is created; otherwise it polls the task and finishes the
// contract itself.
func (p *Processor) Run(ctx context.Context, contract *model.Contract) error {
	if err := p.store.UpdateStatus(ctx, contract.ID, model.StatusProcessing, model.ProgressParsing, ""); err != nil {
		return p.storeFailed(ctx, contract.ID, "record progress", err)
	}

	start := time.Now()
	taskID, err := p.parser.CreateTask(ctx, contract.PDFURL, contract.ID)
	if err != nil {
		return p.Fail(ctx, contract.ID, fmt.Errorf("create parse task: %w", err))
	}
	if err := p.store.SetTaskID(ctx, contract.ID, taskID); err != nil {
		return p.storeFailed(ctx, contract.ID, "record parse task", err)
	}
	logger.Info(ctx, "parse task created", "task_id", taskID)

	if p.parser.CallbackMode() {
		return nil
	}

	zipURL, err := p.poll(ctx, taskID)
	stageDuration.WithLabelValues(stageParse).Observe(time.Since(start).Seconds())
	if err != nil {
		return p.Fail(ctx, contract.ID, err)
	}
	return p.Finish(ctx, contract.ID, zipURL)
}

func (p *Processor) poll(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		state, err := p.parser.GetTaskStatus(ctx, taskID)
		if err != nil {
			logger.Warn(ctx, "parse task poll failed", "attempt", attempt, "error", err)
			continue
		}

		switch state.State {
		case TaskStateDone:
			if state.FullZipURL == "" {
				return "", fmt.Errorf("parse task %s finished without a result archive", taskID)
			}
			return state.FullZipURL, nil
		case TaskStateFailed:
			return "", parseFailure(state)
		case TaskStateRunning:
			logger.Debug(ctx, "parse task running",
				"attempt", attempt,
				"pages", state.ExtractProgress.ExtractedPages,
				"total_pages", state.ExtractProgress.TotalPages,
			)
		}
	}
	return "", errPollTimeout
}

func parseFailure(state *TaskState) error {
	if state.ErrorMsg != "" {
		return fmt.Errorf("document parsing failed: %s", state.ErrorMsg)
	}
	return errors.New("document parsing failed")
}

// Finish turns a parse result into a scored extraction and completes the
// contract. Contracts that are already completed are left alone.
func (p *Processor) Finish(ctx context.Context, contractID, zipURL string) error {
	contract, err := p.store.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if contract.Status == model.StatusCompleted {
		logger.Info(ctx, "contract already completed, ignoring result")
		return nil
	}

	start := time.Now()
	text, err := p.parser.FetchText(ctx, zipURL)
	stageDuration.WithLabelValues(stageText).Observe(time.Since(start).Seconds())
	if err != nil {
		return p.Fail(ctx, contractID, fmt.Errorf("fetch document text: %w", err))
	}
	if err := p.store.UpdateStatus(ctx, contractID, model.StatusProcessing, model.ProgressTextExtracted, ""); err != nil {
		return p.storeFailed(ctx, contractID, "record progress", err)
	}

	start = time.Now()
	raw, err := p.extractor.Extract(ctx, text)
	stageDuration.WithLabelValues(stageExtract).Observe(time.Since(start).Seconds())
	if err != nil {
		return p.Fail(ctx, contractID, fmt.Errorf("extract fields: %w", err))
	}

	extraction := scoring.Assemble(raw)
	if err := p.store.UpdateExtraction(ctx, contractID, extraction); err != nil {
		return p.storeFailed(ctx, contractID, "save extraction", err)
	}

	pipelineOutcomes.WithLabelValues(outcomeCompleted).Inc()
	logger.Info(ctx, "contract processed", "score", extraction.Score, "gaps", len(extraction.Gaps))
	return nil
}

// storeFailed fails the contract after a store write error. A contract
// deleted mid-run has nothing left to mark.
func (p *Processor) storeFailed(ctx context.Context, contractID, op string, err error) error {
	if errors.Is(err, ErrContractNotFound) {
		return err
	}
	return p.Fail(ctx, contractID, fmt.Errorf("%s: %w", op, err))
}

// Fail marks the contract failed with cause as its error message and
// returns cause
func (p *Processor) Fail(ctx context.Context, contractID string, cause error) error {
	pipelineOutcomes.WithLabelValues(outcomeFailed).Inc()
	logger.Error(ctx, "contract processing failed", "error", cause)

	if err := p.store.UpdateStatus(context.WithoutCancel(ctx), contractID, model.StatusFailed, model.ProgressDone, cause.Error()); err != nil {
		logger.Error(ctx, "failed to record contract failure", "error", err)
	}
	return cause
}
