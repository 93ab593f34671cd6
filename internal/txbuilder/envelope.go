package txbuilder

import (
	"fmt"
	"time"

	"github.com/blockberries/cramberry/pkg/cramberry"

	"ppy-wallet/go-core/internal/memo"
	"ppy-wallet/go-core/pkg/models"
)

// The envelope carries a transaction between processes, for example from
// an offline signer to a broadcaster. Encoding is deterministic: the same
// transaction always yields the same bytes.

type wireAmount struct {
	Amount  int64  `cramberry:"1"`
	AssetID string `cramberry:"2"`
}

type wireMemo struct {
	From    string `cramberry:"1"`
	To      string `cramberry:"2"`
	Nonce   uint64 `cramberry:"3"`
	Message string `cramberry:"4"`
}

type wireTransfer struct {
	Fee    wireAmount `cramberry:"1"`
	From   string     `cramberry:"2"`
	To     string     `cramberry:"3"`
	Amount wireAmount `cramberry:"4"`
	Memo   *wireMemo  `cramberry:"5"`
}

type wireOperation struct {
	Type     uint32        `cramberry:"1"`
	Transfer *wireTransfer `cramberry:"2"`
}

type wireSignature struct {
	Data []byte `cramberry:"1"`
}

type wireTransaction struct {
	RefBlockNum    uint32          `cramberry:"1"`
	RefBlockPrefix uint32          `cramberry:"2"`
	Expiration     int64           `cramberry:"3"`
	Operations     []wireOperation `cramberry:"4"`
	Signatures     []wireSignature `cramberry:"5"`
	Prefix         string          `cramberry:"6"`
	Stage          uint32          `cramberry:"7"`
}

// Serialize encodes the transaction envelope. Attached but unused signers
// are not part of it.
func (tx *Transaction) Serialize() ([]byte, error) {
	w := wireTransaction{
		RefBlockNum:    uint32(tx.RefBlockNum),
		RefBlockPrefix: tx.RefBlockPrefix,
		Prefix:         tx.prefix,
		Stage:          uint32(tx.stage),
	}
	if !tx.Expiration.IsZero() {
		w.Expiration = tx.Expiration.Unix()
	}
	for _, op := range tx.Operations {
		t, ok := op.(*Transfer)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no envelope form", ErrUnsupportedOperation, op.OpName())
		}
		info, _ := LookupOperation(t.OpName())
		w.Operations = append(w.Operations, wireOperation{Type: info.ID, Transfer: toWireTransfer(t)})
	}
	for _, sig := range tx.Signatures {
		w.Signatures = append(w.Signatures, wireSignature{Data: append([]byte(nil), sig...)})
	}
	data, err := cramberry.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("cramberry marshal: %w", err)
	}
	return data, nil
}

// Deserialize decodes an envelope produced by Serialize.
func Deserialize(data []byte) (*Transaction, error) {
	var w wireTransaction
	if err := cramberry.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("cramberry unmarshal: %w", err)
	}
	if w.Stage > uint32(StageBroadcast) {
		return nil, fmt.Errorf("invalid transaction stage %d", w.Stage)
	}
	if w.RefBlockNum > 0xffff {
		return nil, fmt.Errorf("invalid ref_block_num %d", w.RefBlockNum)
	}
	tx := &Transaction{
		RefBlockNum:    uint16(w.RefBlockNum),
		RefBlockPrefix: w.RefBlockPrefix,
		prefix:         w.Prefix,
		stage:          Stage(w.Stage),
	}
	if w.Expiration != 0 {
		tx.Expiration = time.Unix(w.Expiration, 0).UTC()
	}
	for _, op := range w.Operations {
		if op.Transfer == nil {
			return nil, fmt.Errorf("%w: operation type %d", ErrUnsupportedOperation, op.Type)
		}
		tx.Operations = append(tx.Operations, fromWireTransfer(op.Transfer))
	}
	for _, sig := range w.Signatures {
		tx.Signatures = append(tx.Signatures, sig.Data)
	}
	return tx, nil
}

func toWireTransfer(t *Transfer) *wireTransfer {
	out := &wireTransfer{
		Fee:    wireAmount{Amount: int64(t.FeeAmount.Amount), AssetID: t.FeeAmount.AssetID},
		From:   t.From,
		To:     t.To,
		Amount: wireAmount{Amount: int64(t.Amount.Amount), AssetID: t.Amount.AssetID},
	}
	if t.Memo != nil {
		out.Memo = &wireMemo{From: t.Memo.From, To: t.Memo.To, Nonce: t.Memo.Nonce, Message: t.Memo.Message}
	}
	return out
}

func fromWireTransfer(w *wireTransfer) *Transfer {
	out := &Transfer{
		FeeAmount: models.Amount{Amount: models.Int64(w.Fee.Amount), AssetID: w.Fee.AssetID},
		From:      w.From,
		To:        w.To,
		Amount:    models.Amount{Amount: models.Int64(w.Amount.Amount), AssetID: w.Amount.AssetID},
	}
	if w.Memo != nil {
		out.Memo = &memo.Message{From: w.Memo.From, To: w.Memo.To, Nonce: w.Memo.Nonce, Message: w.Memo.Message}
	}
	return out
}
