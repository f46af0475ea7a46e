package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"zk_chat/internal/model"
	"zk_chat/internal/utils/log"

	"go.uber.org/zap"
)

type TxStatus string

const (
	TxApplied TxStatus = "applied"
	TxFailed  TxStatus = "failed"
	TxPending TxStatus = "pending"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultPollTimeout  = 660 * time.Second
)

type (
	StatusSource interface {
		Status(ctx context.Context, txHash string) (TxStatus, error)
	}

	// StatusClient reads transaction status from GET {baseURL}/{txHash}.
	StatusClient struct {
		baseURL string
		apiKey  string
		client  *http.Client
	}

	Poller struct {
		source   StatusSource
		interval time.Duration
		timeout  time.Duration
	}

	statusResponse struct {
		TxStatus string `json:"txStatus"`
	}
)

func NewStatusClient(baseURL, apiKey string) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *StatusClient) Status(ctx context.Context, txHash string) (TxStatus, error) {
	u, err := url.JoinPath(c.baseURL, url.PathEscape(txHash))
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	// the indexer answers 404 until it has seen the transaction
	if resp.StatusCode == http.StatusNotFound {
		return TxPending, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status endpoint returned %d", model.ErrNetwork, resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("%w: decode status: %v", model.ErrNetwork, err)
	}

	switch TxStatus(sr.TxStatus) {
	case TxApplied, TxFailed:
		return TxStatus(sr.TxStatus), nil
	default:
		return TxPending, nil
	}
}

func NewPoller(source StatusSource, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Poller{source: source, interval: interval, timeout: timeout}
}

// WaitForActivation polls until the transaction is applied or failed. Network
// errors are retried until the deadline, after which ErrActivationTimeout is
// returned.
func (p *Poller) WaitForActivation(ctx context.Context, txHash string) (TxStatus, error) {
	deadline := time.Now().Add(p.timeout)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		status, err := p.source.Status(ctx, txHash)
		switch {
		case err != nil:
			log.Warn("tx status poll failed, retrying", zap.String("tx", txHash), zap.Int("attempt", attempt), zap.Error(err))
		case status == TxApplied || status == TxFailed:
			return status, nil
		default:
			log.Debug("tx not final yet", zap.String("tx", txHash), zap.Int("attempt", attempt))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: tx %s not final after %s", model.ErrActivationTimeout, txHash, p.timeout)
		}
		timer.Reset(min(p.interval, remaining))
	}
}
