package httpledger

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

	"github.com/kirillkom/ledger-intake/internal/core/domain"
	"github.com/kirillkom/ledger-intake/internal/infrastructure/resilience"
)

// Client commits entries to an accounting ledger over HTTP. The document id
// is sent as the idempotency key so a retried commit is applied once.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, token string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (c *Client) Commit(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.DocumentID == "" || entry.Result == nil {
		return domain.WrapError(domain.ErrInvalidInput, "ledger commit", errors.New("document id and result are required"))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/entries", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create ledger request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", entry.DocumentID)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ledger request: %w", err)
		}
		defer resp.Body.Close()
		// 409 means the entry already exists under this idempotency key.
		if resp.StatusCode == http.StatusConflict {
			return nil
		}
		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("ledger", "commit", resp)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if c.executor != nil {
		err = c.executor.Execute(ctx, "ledger.commit", call, resilience.ClassifyRemote)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.WrapError(domain.ErrLedgerUnavailable, "ledger commit", err)
	}
	return nil
}
