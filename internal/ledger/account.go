package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"zk_chat/internal/model"
)

var ErrAccountNotFound = errors.New("ledger: account not found")

type (
	Account struct {
		PublicKey string `json:"publicKey"`
		Balance   string `json:"balance"`
		Nonce     uint64 `json:"nonce"`
	}

	AccountClient struct {
		baseURL string
		client  *http.Client
	}
)

func NewAccountClient(baseURL string) *AccountClient {
	return &AccountClient{baseURL: baseURL, client: &http.Client{Timeout: 30 * time.Second}}
}

func (c *AccountClient) Fetch(ctx context.Context, publicKey string) (*Account, error) {
	u, err := url.JoinPath(c.baseURL, url.PathEscape(publicKey))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch account: %v", model.ErrNetwork, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrAccountNotFound
	default:
		return nil, fmt.Errorf("%w: account endpoint returned %d", model.ErrNetwork, resp.StatusCode)
	}

	var acc Account
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		return nil, fmt.Errorf("%w: decode account: %v", model.ErrNetwork, err)
	}
	return &acc, nil
}
