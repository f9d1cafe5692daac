package service

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/contractlens/backend/config"
	"github.com/contractlens/backend/pkg/logger"
)

// MinerU task states
const (
	TaskStatePending    = "pending"
	TaskStateRunning    = "running"
	TaskStateConverting = "converting"
	TaskStateDone       = "done"
	TaskStateFailed     = "failed"
)

const maxResultZipBytes = 256 << 20

// maxZipEntryBytes caps a single archive entry once decompressed
var maxZipEntryBytes int64 = 64 << 20

var errZipEntryTooLarge = errors.New("archive entry exceeds size limit")

var (
	// ErrInvalidChecksum is returned for callbacks whose checksum does not match
	ErrInvalidChecksum = errors.New("invalid callback checksum")
	// ErrNoDocumentText is returned when a result archive holds no usable text
	ErrNoDocumentText = errors.New("no document text in parse result")
)

// MineruService talks to the MinerU document parsing API, which turns the
// uploaded PDF into text
type MineruService struct {
	config     *config.MineruConfig
	httpClient *http.Client
}

// MineruTaskRequest represents the request to create a parse task
type MineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	Callback     string `json:"callback,omitempty"`
	Seed         string `json:"seed,omitempty"`
	DataID       string `json:"data_id,omitempty"`
}

// MineruTaskResponse represents the response from task creation
type MineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// TaskState is the state of one parse task, as reported by status queries
// and callbacks
type TaskState struct {
	TaskID          string `json:"task_id"`
	DataID          string `json:"data_id"`
	State           string `json:"state"`
	FullZipURL      string `json:"full_zip_url,omitempty"`
	ErrorMsg        string `json:"err_msg,omitempty"`
	ExtractProgress struct {
		ExtractedPages int `json:"extracted_pages"`
		TotalPages     int `json:"total_pages"`
	} `json:"extract_progress"`
}

// MineruTaskStatusResponse represents the task status query response
type MineruTaskStatusResponse struct {
	Code    int       `json:"code"`
	Message string    `json:"msg"`
	TraceID string    `json:"trace_id"`
	Data    TaskState `json:"data"`
}

// MineruCallbackPayload represents the callback payload from MinerU.
// Content is the JSON encoded TaskState.
type MineruCallbackPayload struct {
	Checksum string `json:"checksum"`
	Content  string `json:"content"`
}

func NewMineruService(cfg *config.MineruConfig) *MineruService {
	return &MineruService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CallbackMode reports whether MinerU pushes results instead of being polled
func (s *MineruService) CallbackMode() bool {
	return s.config.CallbackURL != ""
}

// CreateTask submits a PDF URL for parsing. dataID is echoed back in
// status responses and callbacks.
func (s *MineruService) CreateTask(ctx context.Context, pdfURL, dataID string) (string, error) {
	reqBody := MineruTaskRequest{
		URL:          pdfURL,
		ModelVersion: s.config.ModelVersion,
		DataID:       dataID,
	}
	if s.CallbackMode() {
		reqBody.Callback = s.config.CallbackURL
		reqBody.Seed = s.config.Seed
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL+"/extract/task", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result MineruTaskResponse
	if err := s.do(req, &result); err != nil {
		return "", err
	}
	if result.Code != 0 {
		return "", fmt.Errorf("MinerU API error: %s", result.Message)
	}
	if result.Data.TaskID == "" {
		return "", fmt.Errorf("MinerU API returned no task id")
	}

	return result.Data.TaskID, nil
}

// GetTaskStatus queries the status of a task
func (s *MineruService) GetTaskStatus(ctx context.Context, taskID string) (*TaskState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result MineruTaskStatusResponse
	if err := s.do(req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, fmt.Errorf("MinerU API error: %s", result.Message)
	}

	logger.Debug(ctx, "mineru task status",
		"task_id", taskID,
		"state", result.Data.State,
		"trace_id", result.TraceID,
	)
	return &result.Data, nil
}

func (s *MineruService) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Accept", "*/*")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// VerifyCallback checks checksum == sha256(uid + seed + content)
func (s *MineruService) VerifyCallback(checksum, content string) bool {
	hash := sha256.Sum256([]byte(s.config.UID + s.config.Seed + content))
	expected := hex.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(checksum)), []byte(expected)) == 1
}

// ParseCallback verifies a callback payload and decodes the task state it carries
func (s *MineruService) ParseCallback(payload MineruCallbackPayload) (*TaskState, error) {
	if !s.VerifyCallback(payload.Checksum, payload.Content) {
		return nil, ErrInvalidChecksum
	}

	var state TaskState
	if err := json.Unmarshal([]byte(payload.Content), &state); err != nil {
		return nil, fmt.Errorf("invalid callback content: %w", err)
	}
	return &state, nil
}

// FetchText downloads a result archive and returns the document text: the
// markdown rendition when present, otherwise the text blocks of the
// content list joined by newlines
func (s *MineruService) FetchText(ctx context.Context, zipURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download ZIP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download ZIP: status %d", resp.StatusCode)
	}

	zipData, err := io.ReadAll(io.LimitReader(resp.Body, maxResultZipBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read ZIP: %w", err)
	}
	if len(zipData) > maxResultZipBytes {
		return "", fmt.Errorf("result ZIP exceeds %d bytes", maxResultZipBytes)
	}

	logger.Debug(ctx, "mineru result downloaded", "bytes", len(zipData))
	return documentText(zipData)
}

func documentText(zipData []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", fmt.Errorf("failed to open ZIP: %w", err)
	}

	var markdown, contentList *zip.File
	for _, f := range zr.File {
		name := path.Base(f.Name)
		switch {
		case name == "full.md" && markdown == nil:
			markdown = f
		case strings.HasSuffix(name, "content_list.json") && contentList == nil:
			contentList = f
		}
	}

	if markdown != nil {
		data, err := readZipFile(markdown)
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			return text, nil
		}
	}

	if contentList != nil {
		data, err := readZipFile(contentList)
		if err != nil {
			return "", err
		}
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &blocks); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", contentList.Name, err)
		}

		var lines []string
		for _, b := range blocks {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				lines = append(lines, b.Text)
			}
		}
		if len(lines) > 0 {
			return strings.Join(lines, "\n"), nil
		}
	}

	return "", ErrNoDocumentText
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxZipEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
	}
	if int64(len(data)) > maxZipEntryBytes {
		return nil, fmt.Errorf("%s: %w", f.Name, errZipEntryTooLarge)
	}
	return data, nil
}
