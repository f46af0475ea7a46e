package worker

import (
	"encoding/json"

	"zk_chat/internal/model"
)

type OpKind string

const (
	OpSetNetwork                OpKind = "setNetwork"
	OpLoadProgram               OpKind = "loadProgram"
	OpCompileProgram            OpKind = "compileProgram"
	OpLoadContract              OpKind = "loadContract"
	OpCompileContract           OpKind = "compileContract"
	OpDeployContract            OpKind = "deployContract"
	OpSettleContract            OpKind = "settleContract"
	OpFetchAccount              OpKind = "fetchAccount"
	OpEncryptMessage            OpKind = "encryptMessage"
	OpDecryptMessage            OpKind = "decryptMessage"
	OpGenerateProof             OpKind = "generateProof"
	OpGenerateProofWithPrevious OpKind = "generateProofWithPrevious"
	OpVerifyMessage             OpKind = "verifyMessage"
)

// Request is implemented only by the argument types below, so the set of
// operations a worker accepts is closed.
type Request interface {
	Op() OpKind
	// Heavy operations hold the worker's exclusive slot while they run.
	Heavy() bool
	sealed()
}

type (
	SetNetwork struct {
		Network Network
	}

	LoadProgram     struct{}
	CompileProgram  struct{}
	LoadContract    struct{}
	CompileContract struct{}

	DeployContract struct {
		FeePayer string
		Fee      uint64
	}

	SettleContract struct {
		HostUser          string
		GuestUser         string
		ChatID            string
		ContractPublicKey string
		Proof             *model.Proof
		Messages          []string
		Fee               uint64
	}

	FetchAccount struct {
		PublicKey string
	}

	EncryptMessage struct {
		Mine      model.KeyPair
		Peer      string
		Plaintext string
	}

	DecryptMessage struct {
		Mine    model.KeyPair
		Peer    string
		Payload model.EncryptedPayload
	}

	GenerateProof struct {
		Signer      model.KeyPair
		MessageHash model.Hash
		History     []model.Hash
		Index       uint32
	}

	GenerateProofWithPrevious struct {
		Signer      model.KeyPair
		MessageHash model.Hash
		History     []model.Hash
		Index       uint32
		Previous    *model.Proof
	}

	// VerifyMessage checks that Proof extends Previous over History and
	// commits to Plaintext signed by Signer.
	VerifyMessage struct {
		Proof     *model.Proof
		Previous  *model.Proof
		History   []model.Hash
		Plaintext string
		Signer    string
	}
)

type (
	DeployResult struct {
		ContractPublicKey string
		Transaction       json.RawMessage
	}

	SettleResult struct {
		Root        model.Hash
		Timestamp   int64
		Transaction json.RawMessage
	}
)

func (SetNetwork) Op() OpKind                { return OpSetNetwork }
func (LoadProgram) Op() OpKind               { return OpLoadProgram }
func (CompileProgram) Op() OpKind            { return OpCompileProgram }
func (LoadContract) Op() OpKind              { return OpLoadContract }
func (CompileContract) Op() OpKind           { return OpCompileContract }
func (DeployContract) Op() OpKind            { return OpDeployContract }
func (SettleContract) Op() OpKind            { return OpSettleContract }
func (FetchAccount) Op() OpKind              { return OpFetchAccount }
func (EncryptMessage) Op() OpKind            { return OpEncryptMessage }
func (DecryptMessage) Op() OpKind            { return OpDecryptMessage }
func (GenerateProof) Op() OpKind             { return OpGenerateProof }
func (GenerateProofWithPrevious) Op() OpKind { return OpGenerateProofWithPrevious }
func (VerifyMessage) Op() OpKind             { return OpVerifyMessage }

func (SetNetwork) Heavy() bool                { return false }
func (LoadProgram) Heavy() bool               { return false }
func (CompileProgram) Heavy() bool            { return true }
func (LoadContract) Heavy() bool              { return false }
func (CompileContract) Heavy() bool           { return true }
func (DeployContract) Heavy() bool            { return true }
func (SettleContract) Heavy() bool            { return true }
func (FetchAccount) Heavy() bool              { return false }
func (EncryptMessage) Heavy() bool            { return false }
func (DecryptMessage) Heavy() bool            { return false }
func (GenerateProof) Heavy() bool             { return true }
func (GenerateProofWithPrevious) Heavy() bool { return true }
func (VerifyMessage) Heavy() bool             { return false }

func (SetNetwork) sealed()                {}
func (LoadProgram) sealed()               {}
func (CompileProgram) sealed()            {}
func (LoadContract) sealed()              {}
func (CompileContract) sealed()           {}
func (DeployContract) sealed()            {}
func (SettleContract) sealed()            {}
func (FetchAccount) sealed()              {}
func (EncryptMessage) sealed()            {}
func (DecryptMessage) sealed()            {}
func (GenerateProof) sealed()             {}
func (GenerateProofWithPrevious) sealed() {}
func (VerifyMessage) sealed()             {}
