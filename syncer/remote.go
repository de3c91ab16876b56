// ABOUTME: HTTP client for the remote sync endpoint
// ABOUTME: Maps response codes onto acknowledgements, conflicts, and retryable or permanent errors
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harperreed/clinicsync/models"
)

// DefaultRequestTimeout bounds one submission.
const DefaultRequestTimeout = 15 * time.Second

// Remote submits one mutation. Implementations return *ConflictError on a
// version conflict, an error wrapping ErrServer, ErrNetwork or ErrRejected on
// failure, and the context error when ctx ends first.
type Remote interface {
	Submit(ctx context.Context, m models.Mutation) (models.Ack, error)
}

// HTTPRemote talks to POST {BaseURL}/sync/mutation.
type HTTPRemote struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPRemote creates a remote with a request timeout.
func NewHTTPRemote(baseURL, token string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Submit posts m and decodes the response.
func (r *HTTPRemote) Submit(ctx context.Context, m models.Mutation) (models.Ack, error) {
	body, err := json.Marshal(models.NewSubmitRequest(m))
	if err != nil {
		return models.Ack{}, fmt.Errorf("%w: failed to encode mutation: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/sync/mutation", bytes.NewReader(body))
	if err != nil {
		return models.Ack{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Ack{}, ctxErr
		}
		return models.Ack{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Ack{}, ctxErr
		}
		return models.Ack{}, fmt.Errorf("%w: failed to read response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var ack models.Ack
		if err := json.Unmarshal(data, &ack); err != nil {
			return models.Ack{}, fmt.Errorf("%w: malformed acknowledgement: %v", ErrServer, err)
		}
		return ack, nil
	case resp.StatusCode == http.StatusConflict:
		var body models.ConflictResponse
		if err := json.Unmarshal(data, &body); err != nil {
			return models.Ack{}, fmt.Errorf("%w: malformed conflict response: %v", ErrServer, err)
		}
		return models.Ack{}, &ConflictError{Snapshot: body.ServerSnapshot}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return models.Ack{}, fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, errorMessage(data))
	default:
		return models.Ack{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorMessage(data))
	}
}

func (r *HTTPRemote) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func errorMessage(data []byte) string {
	var body models.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServer) || errors.Is(err, ErrNetwork)
}
