package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"zk_chat/internal/model"

	"github.com/gorilla/websocket"
)

type (
	// APIClient talks to the relay: chat id registry and websocket.
	APIClient struct {
		host   string
		client *http.Client
	}
)

func NewAPIClient(host string) *APIClient {
	return &APIClient{host: host, client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *APIClient) CreateChatID(ctx context.Context, senderPublicKey string) (string, error) {
	var res model.CreateChatIDResponse
	err := a.postJSON(ctx, "/api/chat_id", model.CreateChatIDRequest{SenderPublicKey: senderPublicKey}, &res)
	if err != nil {
		return "", err
	}
	return res.ChatID, nil
}

func (a *APIClient) VerifyChatID(ctx context.Context, chatID, myPublicKey string) (*model.VerifyChatIDResponse, error) {
	var res model.VerifyChatIDResponse
	err := a.postJSON(ctx, "/api/chat_id/verify", model.VerifyChatIDRequest{ChatID: chatID, MyPublicKey: myPublicKey}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *APIClient) postJSON(ctx context.Context, path string, body, out any) error {
	u := url.URL{
		Scheme: "http",
		Host:   a.host,
		Path:   path,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", model.ErrNetwork, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *APIClient) initWebhook(publicKey string) (*websocket.Conn, error) {
	params := url.Values{
		"publicKey": []string{publicKey},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     a.host,
		Path:     "/init",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
