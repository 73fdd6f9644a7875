package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"phaseforge/internal/agents"
	"phaseforge/internal/config"
	"phaseforge/internal/logging"
)

// Deployment is the result of pushing files to the preview sandbox.
type Deployment struct {
	PreviewURL string    `json:"previewUrl"`
	DeployedAt time.Time `json:"deployedAt"`
}

// Capture is a rendered preview image.
type Capture struct {
	Image       []byte
	ContentType string
	Viewport    agents.Viewport
}

// DeployRequest is one sandbox sync: full file contents plus deletions and
// install commands.
type DeployRequest struct {
	Files    []SandboxFile `json:"files"`
	Deleted  []string      `json:"deleted,omitempty"`
	Commands []string      `json:"commands,omitempty"`
}

// SandboxFile is one file pushed to the sandbox.
type SandboxFile struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

// Sandbox runs the generated app and reports what went wrong with it.
type Sandbox interface {
	Deploy(ctx context.Context, sessionID string, req DeployRequest) (*Deployment, error)
	Issues(ctx context.Context, sessionID string) (agents.IssueReport, error)
	Screenshot(ctx context.Context, sessionID string) (*Capture, error)
}

// ErrNoScreenshot is returned when the sandbox has nothing rendered yet.
var ErrNoScreenshot = errors.New("sandbox has no screenshot")

// SandboxError is a non-2xx answer from the sandbox service.
type SandboxError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s: %d %s", e.Op, e.StatusCode, e.Message)
}

// HTTPSandbox talks to the sandbox service over its JSON API.
type HTTPSandbox struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retries    uint64
	log        *zap.Logger
}

// NewHTTPSandbox creates a client for cfg.BaseURL.
func NewHTTPSandbox(cfg config.SandboxConfig, logger *zap.Logger) *HTTPSandbox {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPSandbox{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		retries:    3,
		log:        logging.OrNamed(logger, "sandbox"),
	}
}

// Deploy pushes the codebase. 5xx answers and network errors are retried
// with exponential backoff.
func (s *HTTPSandbox) Deploy(ctx context.Context, sessionID string, req DeployRequest) (*Deployment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode deploy request: %w", err)
	}

	var dep Deployment
	op := func() error {
		resp, err := s.do(ctx, http.MethodPost, s.sessionURL(sessionID, "deploy"), bytes.NewReader(body), "application/json")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus("deploy", resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&dep); err != nil {
			return backoff.Permanent(fmt.Errorf("decode deployment: %w", err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries), ctx)
	notify := func(err error, wait time.Duration) {
		s.log.Warn("sandbox deploy failed, retrying",
			zap.String("session_id", sessionID), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	if dep.DeployedAt.IsZero() {
		dep.DeployedAt = time.Now()
	}
	s.log.Info("sandbox deployed",
		zap.String("session_id", sessionID),
		zap.Int("files", len(req.Files)),
		zap.String("preview_url", dep.PreviewURL))
	return &dep, nil
}

// Issues fetches runtime errors and static analysis for the last deploy.
func (s *HTTPSandbox) Issues(ctx context.Context, sessionID string) (agents.IssueReport, error) {
	var report agents.IssueReport
	resp, err := s.do(ctx, http.MethodGet, s.sessionURL(sessionID, "issues"), nil, "")
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()
	if err := checkStatus("issues", resp); err != nil {
		return report, unwrapPermanent(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("decode issues: %w", err)
	}
	return report, nil
}

// Screenshot fetches the latest rendered preview. The viewport comes from
// the X-Viewport-Width and X-Viewport-Height headers.
func (s *HTTPSandbox) Screenshot(ctx context.Context, sessionID string) (*Capture, error) {
	resp, err := s.do(ctx, http.MethodGet, s.sessionURL(sessionID, "screenshot"), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoScreenshot
	}
	if err := checkStatus("screenshot", resp); err != nil {
		return nil, unwrapPermanent(err)
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	if len(image) == 0 {
		return nil, ErrNoScreenshot
	}
	width, _ := strconv.Atoi(resp.Header.Get("X-Viewport-Width"))
	height, _ := strconv.Atoi(resp.Header.Get("X-Viewport-Height"))
	return &Capture{
		Image:       image,
		ContentType: resp.Header.Get("Content-Type"),
		Viewport:    agents.Viewport{Width: width, Height: height},
	}, nil
}

func (s *HTTPSandbox) sessionURL(sessionID, action string) string {
	return s.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/" + action
}

func (s *HTTPSandbox) do(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.httpClient.Do(req)
}

// checkStatus turns a non-2xx answer into a SandboxError. Only 5xx answers
// stay retryable.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := &SandboxError{Op: op, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	if resp.StatusCode >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
