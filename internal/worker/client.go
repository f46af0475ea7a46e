package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	"zk_chat/internal/utils/log"

	"go.uber.org/zap"
)

// Client issues requests over a Transport and matches every reply to the one
// outstanding request with the same id. A reply nobody is waiting for is a
// protocol violation: the client fails every pending request and refuses new
// ones.
type Client struct {
	t      Transport
	nextID atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan Reply
	abandoned map[uint64]struct{}
	failed    error
}

func NewClient(t Transport) *Client {
	c := &Client{
		t:         t,
		pending:   make(map[uint64]chan Reply),
		abandoned: make(map[uint64]struct{}),
	}
	go c.dispatch()
	return c
}

// Err returns the error that broke the client, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *Client) dispatch() {
	for r := range c.t.Replies() {
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		if !ok {
			if _, late := c.abandoned[r.ID]; late {
				delete(c.abandoned, r.ID)
				c.mu.Unlock()
				continue
			}
			err := fmt.Errorf("%w: reply %d (%s) matches no outstanding request", model.ErrBoundaryProtocol, r.ID, r.Op)
			log.Error("boundary protocol violation", zap.Uint64("id", r.ID), zap.String("op", string(r.Op)))
			c.failLocked(err)
			c.mu.Unlock()
			return
		}
		delete(c.pending, r.ID)
		c.mu.Unlock()
		ch <- r
	}

	c.mu.Lock()
	c.failLocked(ErrClosed)
	c.mu.Unlock()
}

func (c *Client) failLocked(err error) {
	if c.failed != nil {
		return
	}
	c.failed = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, req Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan Reply, 1)

	c.mu.Lock()
	if c.failed != nil {
		c.mu.Unlock()
		return nil, c.failed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.t.Send(ctx, Envelope{ID: id, Request: req}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, c.Err()
		}
		if r.Op != req.Op() {
			return nil, fmt.Errorf("%w: request %d was %s but reply is %s", model.ErrBoundaryProtocol, id, req.Op(), r.Op)
		}
		return r.Result, r.Err
	case <-ctx.Done():
		c.mu.Lock()
		if _, still := c.pending[id]; still {
			delete(c.pending, id)
			c.abandoned[id] = struct{}{}
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func do[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var zero T
	res, err := c.call(ctx, req)
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s returned %T", model.ErrBoundaryProtocol, req.Op(), res)
	}
	return v, nil
}

func (c *Client) SetNetwork(ctx context.Context, n Network) error {
	_, err := c.call(ctx, SetNetwork{Network: n})
	return err
}

func (c *Client) LoadProgram(ctx context.Context) error {
	_, err := c.call(ctx, LoadProgram{})
	return err
}

func (c *Client) CompileProgram(ctx context.Context) error {
	_, err := c.call(ctx, CompileProgram{})
	return err
}

func (c *Client) LoadContract(ctx context.Context) error {
	_, err := c.call(ctx, LoadContract{})
	return err
}

func (c *Client) CompileContract(ctx context.Context) (model.Hash, error) {
	return do[model.Hash](ctx, c, CompileContract{})
}

func (c *Client) DeployContract(ctx context.Context, req DeployContract) (*DeployResult, error) {
	return do[*DeployResult](ctx, c, req)
}

func (c *Client) SettleContract(ctx context.Context, req SettleContract) (*SettleResult, error) {
	return do[*SettleResult](ctx, c, req)
}

func (c *Client) FetchAccount(ctx context.Context, publicKey string) (*ledger.Account, error) {
	return do[*ledger.Account](ctx, c, FetchAccount{PublicKey: publicKey})
}

func (c *Client) EncryptMessage(ctx context.Context, mine *model.KeyPair, peer, plaintext string) (model.EncryptedPayload, error) {
	return do[model.EncryptedPayload](ctx, c, EncryptMessage{Mine: *mine, Peer: peer, Plaintext: plaintext})
}

func (c *Client) DecryptMessage(ctx context.Context, mine *model.KeyPair, peer string, payload model.EncryptedPayload) (string, error) {
	return do[string](ctx, c, DecryptMessage{Mine: *mine, Peer: peer, Payload: payload})
}

// Prove extends the chain with messageHash at index len(history). prev must be
// nil exactly when history is empty.
func (c *Client) Prove(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history []model.Hash, prev *model.Proof) (*model.Proof, error) {
	index := uint32(len(history))
	if prev == nil {
		return do[*model.Proof](ctx, c, GenerateProof{Signer: *signer, MessageHash: messageHash, History: history, Index: index})
	}
	return do[*model.Proof](ctx, c, GenerateProofWithPrevious{Signer: *signer, MessageHash: messageHash, History: history, Index: index, Previous: prev})
}

func (c *Client) VerifyMessage(ctx context.Context, req VerifyMessage) error {
	_, err := c.call(ctx, req)
	return err
}

// Boundary pairs a worker with its client. One Boundary serves one attempt.
type Boundary struct {
	*Client
	worker *Worker
}

func Open(state *State) *Boundary {
	w := Spawn(state)
	return &Boundary{Client: NewClient(w), worker: w}
}

func (b *Boundary) Close() error {
	return b.worker.Close()
}
