package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/embeddedllm/jamai/pkg/errs"
)

// maxCodeOutput caps what the runner may send back.
const maxCodeOutput = 1 << 20

// CodeRunner calls the sandboxed code-execution service. A code column
// names a source column whose text is sent to the runner; the runner's
// output comes back as the cell value.
type CodeRunner struct {
	url    string
	client *http.Client
}

// NewCodeRunner points at the runner service. An empty url disables code
// columns; cells then read "[ERROR] code execution disabled".
func NewCodeRunner(url string, client *http.Client) *CodeRunner {
	if client == nil {
		client = http.DefaultClient
	}
	return &CodeRunner{url: url, client: client}
}

// Enabled reports whether a runner service is configured.
func (c *CodeRunner) Enabled() bool {
	return c != nil && c.url != ""
}

type codeRunRequest struct {
	Code string `json:"code"`
}

type codeRunResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Run executes one snippet and returns its output.
func (c *CodeRunner) Run(ctx context.Context, code string) (string, error) {
	body, err := json.Marshal(codeRunRequest{Code: code})
	if err != nil {
		return "", errs.Unexpected(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errs.Unexpected(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.KindProviderUnavailable, err, "code executor unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCodeOutput))
	if err != nil {
		return "", errs.Wrap(errs.KindProviderUnavailable, err, "code executor read failed")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errs.New(errs.KindProviderUnavailable, "code executor returned %d", resp.StatusCode)
	}
	var out codeRunResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errs.Wrap(errs.KindProviderUnavailable, err, "code executor sent malformed response")
	}
	if out.Error != "" {
		return "", errs.BadInput("code execution failed: %s", out.Error)
	}
	return out.Output, nil
}
