package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"zk_chat/internal/ledger"
	"zk_chat/internal/model"
	"zk_chat/internal/protocol/commitment"
	"zk_chat/internal/protocol/msgcipher"
	"zk_chat/internal/protocol/proofchain"
	"zk_chat/internal/zkprogram"
)

var (
	ErrNoNetwork          = errors.New("worker: network not set")
	ErrProgramNotLoaded   = errors.New("worker: program not loaded")
	ErrProgramNotCompiled = errors.New("worker: program not compiled")
	ErrContractNotLoaded  = errors.New("worker: contract not loaded")
	ErrContractNotReady   = errors.New("worker: contract not compiled")
	ErrUnknownOp          = errors.New("worker: unknown operation")
)

type (
	Network struct {
		Name       string
		AccountURL string
	}

	// Program is the compiled proof system a worker proves and verifies with.
	Program interface {
		proofchain.Prover
		VerifyingKeyHash() (model.Hash, error)
	}

	CompileFunc func(ctx context.Context) (Program, error)

	// State is owned by exactly one worker and lives for one attempt
	// (a settlement or a chat's messaging). Nothing here is shared.
	State struct {
		mu sync.RWMutex

		compile CompileFunc
		network *Network
		account *ledger.AccountClient

		programLoaded  bool
		program        Program
		contractLoaded bool
		contractVK     model.Hash
		contractReady  bool

		now func() time.Time
	}
)

// DefaultCompile compiles the message chain circuit.
func DefaultCompile(context.Context) (Program, error) {
	return zkprogram.Compile()
}

func NewState(compile CompileFunc) *State {
	if compile == nil {
		compile = DefaultCompile
	}
	return &State{compile: compile, now: time.Now}
}

func (s *State) execute(ctx context.Context, req Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch r := req.(type) {
	case SetNetwork:
		return nil, s.setNetwork(r)
	case LoadProgram:
		s.mu.Lock()
		s.programLoaded = true
		s.mu.Unlock()
		return nil, nil
	case CompileProgram:
		return nil, s.compileProgram(ctx)
	case LoadContract:
		return nil, s.loadContract()
	case CompileContract:
		return s.compileContract()
	case DeployContract:
		return s.deploy(r)
	case SettleContract:
		return s.settle(r)
	case FetchAccount:
		return s.fetchAccount(ctx, r)
	case EncryptMessage:
		key, err := msgcipher.DeriveSharedKey(&r.Mine, r.Peer)
		if err != nil {
			return nil, err
		}
		return msgcipher.Encrypt(key, r.Plaintext)
	case DecryptMessage:
		key, err := msgcipher.DeriveSharedKey(&r.Mine, r.Peer)
		if err != nil {
			return nil, err
		}
		return msgcipher.Decrypt(key, r.Payload)
	case GenerateProof:
		return s.prove(ctx, &r.Signer, r.MessageHash, r.History, r.Index, nil)
	case GenerateProofWithPrevious:
		return s.prove(ctx, &r.Signer, r.MessageHash, r.History, r.Index, r.Previous)
	case VerifyMessage:
		return nil, s.verifyMessage(r)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOp, req)
	}
}

func (s *State) setNetwork(r SetNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := r.Network
	s.network = &n
	s.account = nil
	if n.AccountURL != "" {
		s.account = ledger.NewAccountClient(n.AccountURL)
	}
	return nil
}

func (s *State) compileProgram(ctx context.Context) error {
	s.mu.RLock()
	loaded, done := s.programLoaded, s.program != nil
	s.mu.RUnlock()

	if !loaded {
		return ErrProgramNotLoaded
	}
	if done {
		return nil
	}

	prog, err := s.compile(ctx)
	if err != nil {
		return fmt.Errorf("%w: compile program: %v", model.ErrProofGeneration, err)
	}

	s.mu.Lock()
	s.program = prog
	s.mu.Unlock()
	return nil
}

func (s *State) loadContract() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.programLoaded {
		return ErrProgramNotLoaded
	}
	s.contractLoaded = true
	return nil
}

// compileContract binds the contract to the verifying key of the compiled
// program. It returns that key's hash.
func (s *State) compileContract() (model.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.contractLoaded:
		return model.Hash{}, ErrContractNotLoaded
	case s.program == nil:
		return model.Hash{}, ErrProgramNotCompiled
	case s.contractReady:
		return s.contractVK, nil
	}

	vk, err := s.program.VerifyingKeyHash()
	if err != nil {
		return model.Hash{}, err
	}
	s.contractVK = vk
	s.contractReady = true
	return vk, nil
}

func (s *State) deploy(r DeployContract) (*DeployResult, error) {
	s.mu.RLock()
	ready, vk := s.contractReady, s.contractVK
	s.mu.RUnlock()
	if !ready {
		return nil, ErrContractNotReady
	}

	key, pub, err := ledger.GenerateContractKey()
	if err != nil {
		return nil, err
	}
	tx, err := ledger.NewDeploy(key, ledger.DeployBody{
		ContractPublicKey: pub,
		FeePayer:          r.FeePayer,
		VerifyingKeyHash:  vk,
		Fee:               r.Fee,
	})
	if err != nil {
		return nil, err
	}
	raw, err := tx.JSON()
	if err != nil {
		return nil, err
	}
	return &DeployResult{ContractPublicKey: pub, Transaction: raw}, nil
}

func (s *State) settle(r SettleContract) (*SettleResult, error) {
	s.mu.RLock()
	ready, prog := s.contractReady, s.program
	s.mu.RUnlock()
	if !ready {
		return nil, ErrContractNotReady
	}
	if r.Proof == nil {
		return nil, fmt.Errorf("%w: settlement needs the latest proof", model.ErrChaining)
	}
	if int(r.Proof.Index)+1 != len(r.Messages) {
		return nil, fmt.Errorf("%w: latest proof is for index %d but history has %d messages", model.ErrChaining, r.Proof.Index, len(r.Messages))
	}
	if err := prog.Verify(r.Proof); err != nil {
		return nil, fmt.Errorf("%w: latest proof does not verify: %v", model.ErrChaining, err)
	}

	tree, err := commitment.FromMessages(commitment.Depth, r.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	root := tree.Root()
	if root != r.Proof.Root {
		return nil, fmt.Errorf("%w: replayed root %s does not match proof root %s", model.ErrChaining, root, r.Proof.Root)
	}

	ts := s.now().UnixMilli()
	tx, err := ledger.NewSettle(ledger.SettleBody{
		ContractPublicKey: r.ContractPublicKey,
		HostUser:          r.HostUser,
		GuestUser:         r.GuestUser,
		ChatID:            r.ChatID,
		Root:              root,
		Timestamp:         ts,
		Proof:             r.Proof,
		Fee:               r.Fee,
	})
	if err != nil {
		return nil, err
	}
	raw, err := tx.JSON()
	if err != nil {
		return nil, err
	}
	return &SettleResult{Root: root, Timestamp: ts, Transaction: raw}, nil
}

func (s *State) fetchAccount(ctx context.Context, r FetchAccount) (*ledger.Account, error) {
	s.mu.RLock()
	client := s.account
	s.mu.RUnlock()
	if client == nil {
		return nil, ErrNoNetwork
	}
	return client.Fetch(ctx, r.PublicKey)
}

func (s *State) builder() (*proofchain.Builder, error) {
	s.mu.RLock()
	prog := s.program
	s.mu.RUnlock()
	if prog == nil {
		return nil, ErrProgramNotCompiled
	}
	return proofchain.NewBuilder(prog), nil
}

func (s *State) prove(ctx context.Context, signer *model.KeyPair, messageHash model.Hash, history []model.Hash, index uint32, prev *model.Proof) (*model.Proof, error) {
	b, err := s.builder()
	if err != nil {
		return nil, err
	}
	tree, err := commitment.Build(commitment.Depth, history)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	if prev == nil {
		return b.ProveFirst(ctx, signer, messageHash, tree, index)
	}
	return b.ProveNext(ctx, signer, messageHash, tree, index, prev)
}

func (s *State) verifyMessage(r VerifyMessage) error {
	b, err := s.builder()
	if err != nil {
		return err
	}
	tree, err := commitment.Build(commitment.Depth, r.History)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrChaining, err)
	}
	return b.CheckLink(r.Proof, r.Previous, tree, r.Plaintext, r.Signer)
}
