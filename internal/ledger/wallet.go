package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"zk_chat/internal/model"
)

var ErrEmptyHash = errors.New("ledger: wallet returned an empty transaction hash")

type (
	FeePayer struct {
		Fee  uint64 `json:"fee"`
		Memo string `json:"memo"`
	}

	SendTransactionArgs struct {
		Transaction json.RawMessage `json:"transaction"`
		FeePayer    FeePayer        `json:"feePayer"`
	}

	// Wallet signs and submits transactions on behalf of the user.
	Wallet interface {
		SendTransaction(ctx context.Context, args SendTransactionArgs) (string, error)
	}

	// HTTPWallet talks to a local wallet bridge that exposes sendTransaction over HTTP.
	HTTPWallet struct {
		url    string
		client *http.Client
	}

	sendResponse struct {
		Hash string `json:"hash"`
	}
)

func NewHTTPWallet(url string) *HTTPWallet {
	return &HTTPWallet{url: url, client: &http.Client{Timeout: 2 * time.Minute}}
}

func (w *HTTPWallet) SendTransaction(ctx context.Context, args SendTransactionArgs) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: send transaction: %v", model.ErrNetwork, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: wallet returned %d", model.ErrNetwork, resp.StatusCode)
	}

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("%w: decode wallet response: %v", model.ErrNetwork, err)
	}
	if sr.Hash == "" {
		return "", ErrEmptyHash
	}
	return sr.Hash, nil
}
