package model

import (
	"time"
)

// Contract represents an uploaded contract and its processing state
type Contract struct {
	ID           string      `json:"id"`
	Filename     string      `json:"filename"`
	Tenant       string      `json:"tenant"`
	ObjectName   string      `json:"object_name"`
	PDFURL       string      `json:"pdf_url"`
	Status       string      `json:"status"` // pending, processing, completed, failed
	Progress     int         `json:"progress"`
	MineruTaskID string      `json:"mineru_task_id,omitempty"`
	Extraction   *Extraction `json:"extraction,omitempty"`
	ErrorMsg     string      `json:"error_msg,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// ContractStatus constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Progress checkpoints reported while a contract moves through the pipeline
const (
	ProgressQueued        = 0
	ProgressParsing       = 10
	ProgressTextExtracted = 40
	ProgressDone          = 100
)

// ValidStatus reports whether s is one of the known contract statuses
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Score returns the overall extraction score, or nil while none is available
func (c *Contract) Score() *float64 {
	if c.Extraction == nil || c.Status != StatusCompleted {
		return nil
	}
	score := c.Extraction.Score
	return &score
}

// Clone returns a deep enough copy that callers may mutate freely
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Extraction != nil {
		cp.Extraction = c.Extraction.Clone()
	}
	return &cp
}
