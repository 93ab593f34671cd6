package txbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/memo"
	"ppy-wallet/go-core/pkg/models"
)

// maxCanonicalAttempts bounds how far Sign pushes the expiration forward
// looking for canonical signatures.
const maxCanonicalAttempts = 64

// Operation is one entry of a transaction.
type Operation interface {
	OpName() string
	Fee() models.Amount
	SetFee(models.Amount)
}

type Transfer struct {
	FeeAmount  models.Amount `json:"fee"`
	From       string        `json:"from"`
	To         string        `json:"to"`
	Amount     models.Amount `json:"amount"`
	Memo       *memo.Message `json:"memo,omitempty"`
	Extensions []any         `json:"extensions"`
}

func (t *Transfer) OpName() string           { return "transfer" }
func (t *Transfer) Fee() models.Amount       { return t.FeeAmount }
func (t *Transfer) SetFee(fee models.Amount) { t.FeeAmount = fee }

func (t *Transfer) MarshalJSON() ([]byte, error) {
	type plain Transfer
	out := plain(*t)
	if out.Extensions == nil {
		out.Extensions = []any{}
	}
	return json.Marshal(out)
}

// Stage tracks how far a transaction has been built. Stages only move
// forward.
type Stage int

const (
	StageBuilding Stage = iota
	StageFeesSet
	StageFinalized
	StageSigned
	StageBroadcast
)

func (s Stage) String() string {
	switch s {
	case StageFeesSet:
		return "fees_set"
	case StageFinalized:
		return "finalized"
	case StageSigned:
		return "signed"
	case StageBroadcast:
		return "broadcast"
	default:
		return "building"
	}
}

// Transaction is a pending transaction. It is built by one goroutine and is
// terminal once broadcast.
type Transaction struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     time.Time
	Operations     []Operation
	Signatures     [][]byte

	prefix  string
	stage   Stage
	signers []keys.KeyPair
}

// NewTransaction starts a transaction for a chain whose public keys carry
// prefix.
func NewTransaction(prefix string) *Transaction {
	return &Transaction{prefix: prefix}
}

func (tx *Transaction) Stage() Stage { return tx.stage }

func (tx *Transaction) Prefix() string { return tx.prefix }

func (tx *Transaction) AddOperation(op Operation) error {
	if tx.stage != StageBuilding {
		return ErrImmutable
	}
	if _, ok := LookupOperation(op.OpName()); !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.OpName())
	}
	tx.Operations = append(tx.Operations, op)
	return nil
}

func (tx *Transaction) OperationNames() []string {
	out := make([]string, len(tx.Operations))
	for i, op := range tx.Operations {
		out[i] = op.OpName()
	}
	return out
}

// SetFees patches one fee per operation, in order.
func (tx *Transaction) SetFees(fees []models.Amount) error {
	if tx.stage > StageFeesSet {
		return ErrImmutable
	}
	if len(fees) != len(tx.Operations) || len(fees) == 0 {
		return fmt.Errorf("%w: %d fees for %d operations", ErrFeeQuery, len(fees), len(tx.Operations))
	}
	for i, fee := range fees {
		tx.Operations[i].SetFee(fee)
	}
	tx.stage = StageFeesSet
	return nil
}

func (tx *Transaction) AddSigner(pair keys.KeyPair) error {
	switch {
	case tx.stage < StageFeesSet:
		return ErrFeesNotSet
	case tx.stage >= StageSigned:
		return ErrAlreadySigned
	}
	tx.signers = append(tx.signers, pair)
	return nil
}

// Finalize binds the reference block and expiration.
func (tx *Transaction) Finalize(ref Reference) error {
	switch {
	case tx.stage < StageFeesSet:
		return ErrFeesNotSet
	case tx.stage >= StageSigned:
		return ErrAlreadySigned
	}
	tx.RefBlockNum = ref.RefBlockNum
	tx.RefBlockPrefix = ref.RefBlockPrefix
	tx.Expiration = ref.Expiration.UTC().Truncate(time.Second)
	tx.stage = StageFinalized
	return nil
}

// Digest is sha256(chain id || serialized transaction).
func (tx *Transaction) Digest(chainID string) ([]byte, error) {
	chain, err := hex.DecodeString(chainID)
	if err != nil || len(chain) != sha256.Size {
		return nil, fmt.Errorf("invalid chain id %q", chainID)
	}
	raw, err := encodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(chain)
	h.Write(raw)
	return h.Sum(nil), nil
}

// Sign signs with every attached signer. The node only accepts canonical
// signatures, so the expiration moves forward a second at a time until all
// signatures are canonical. Signing is the last mutation; signer keys are
// released afterwards.
func (tx *Transaction) Sign(chainID string) error {
	switch {
	case tx.stage >= StageSigned:
		return ErrAlreadySigned
	case tx.stage < StageFinalized:
		return ErrNotFinalized
	case len(tx.signers) == 0:
		return ErrNoSigner
	}
	for attempt := 0; attempt < maxCanonicalAttempts; attempt++ {
		digest, err := tx.Digest(chainID)
		if err != nil {
			return err
		}
		sigs := make([][]byte, 0, len(tx.signers))
		for _, signer := range tx.signers {
			sig := ecdsa.SignCompact(signer.Private, digest, true)
			if !isCanonical(sig) {
				break
			}
			sigs = append(sigs, sig)
		}
		if len(sigs) == len(tx.signers) {
			tx.Signatures = sigs
			tx.signers = nil
			tx.stage = StageSigned
			return nil
		}
		tx.Expiration = tx.Expiration.Add(time.Second)
	}
	return fmt.Errorf("no canonical signature after %d attempts", maxCanonicalAttempts)
}

// MarkBroadcast records the single submission.
func (tx *Transaction) MarkBroadcast() error {
	switch tx.stage {
	case StageBroadcast:
		return ErrAlreadyBroadcast
	case StageSigned:
		tx.stage = StageBroadcast
		return nil
	default:
		return ErrNotSigned
	}
}

// ID is the transaction id: the first 20 bytes of sha256 over the
// serialized transaction, hex encoded.
func (tx *Transaction) ID() (string, error) {
	raw, err := encodeTransaction(tx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:20]), nil
}

type txJSON struct {
	RefBlockNum    uint16   `json:"ref_block_num"`
	RefBlockPrefix uint32   `json:"ref_block_prefix"`
	Expiration     string   `json:"expiration"`
	Operations     [][2]any `json:"operations"`
	Extensions     []any    `json:"extensions"`
	Signatures     []string `json:"signatures"`
}

// MarshalJSON renders the transaction in the node's JSON form.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	out := txJSON{
		RefBlockNum:    tx.RefBlockNum,
		RefBlockPrefix: tx.RefBlockPrefix,
		Expiration:     models.FormatChainTime(tx.Expiration),
		Operations:     make([][2]any, 0, len(tx.Operations)),
		Extensions:     []any{},
		Signatures:     make([]string, 0, len(tx.Signatures)),
	}
	for _, op := range tx.Operations {
		info, ok := LookupOperation(op.OpName())
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.OpName())
		}
		out.Operations = append(out.Operations, [2]any{info.ID, op})
	}
	for _, sig := range tx.Signatures {
		out.Signatures = append(out.Signatures, hex.EncodeToString(sig))
	}
	return json.Marshal(out)
}

// isCanonical applies the node's canonical compact signature rule: neither
// r nor s may have the high bit set or be needlessly zero padded.
func isCanonical(sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	return sig[1]&0x80 == 0 &&
		!(sig[1] == 0 && sig[2]&0x80 == 0) &&
		sig[33]&0x80 == 0 &&
		!(sig[33] == 0 && sig[34]&0x80 == 0)
}
