package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// Reporter delivers run outcomes to an external sink by POSTing them as
// JSON. A non-2xx response is an error; the caller decides whether to
// log or propagate it, the run's own status is never affected.
type Reporter struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewReporter(url string, timeout time.Duration, logger *zap.Logger) *Reporter {
	return &Reporter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Report POSTs the outcome to the configured URL.
func (r *Reporter) Report(ctx context.Context, outcome *domain.RunOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver report: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report sink returned %s", resp.Status)
	}

	r.logger.Debug("run outcome delivered",
		zap.String("run_id", outcome.RunID),
		zap.String("status", string(outcome.Status)),
		zap.Int("http_status", resp.StatusCode))

	return nil
}
