package txbuilder

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/memo"
	"ppy-wallet/go-core/pkg/models"
)

// encodeTransaction writes the node's binary layout of the unsigned
// transaction: little endian fixed width integers, LEB128 lengths and object
// instances, optional fields behind a presence byte.
func encodeTransaction(tx *Transaction) ([]byte, error) {
	var w rawWriter
	w.u16(tx.RefBlockNum)
	w.u32(tx.RefBlockPrefix)
	w.u32(uint32(tx.Expiration.Unix()))
	w.varint(uint64(len(tx.Operations)))
	for _, op := range tx.Operations {
		info, ok := LookupOperation(op.OpName())
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, op.OpName())
		}
		w.varint(uint64(info.ID))
		switch v := op.(type) {
		case *Transfer:
			if err := w.transfer(v, tx.prefix); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s has no binary form", ErrUnsupportedOperation, op.OpName())
		}
	}
	w.varint(0) // extensions
	return w.buf.Bytes(), nil
}

type rawWriter struct {
	buf bytes.Buffer
}

func (w *rawWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *rawWriter) u16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *rawWriter) u32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *rawWriter) u64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *rawWriter) varint(v uint64) {
	w.buf.Write(binary.AppendUvarint(nil, v))
}

func (w *rawWriter) bytes(b []byte) {
	w.varint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *rawWriter) instance(id string) error {
	oid, err := models.ParseObjectID(id)
	if err != nil {
		return err
	}
	w.varint(oid.Instance)
	return nil
}

func (w *rawWriter) amount(a models.Amount) error {
	w.u64(uint64(a.Amount))
	return w.instance(a.AssetID)
}

func (w *rawWriter) publicKey(text, prefix string) error {
	pub, err := keys.ParsePublicKey(text, prefix)
	if err != nil {
		return err
	}
	w.buf.Write(pub.SerializeCompressed())
	return nil
}

func (w *rawWriter) transfer(t *Transfer, prefix string) error {
	if err := w.amount(t.FeeAmount); err != nil {
		return fmt.Errorf("transfer fee: %w", err)
	}
	if err := w.instance(t.From); err != nil {
		return fmt.Errorf("transfer from: %w", err)
	}
	if err := w.instance(t.To); err != nil {
		return fmt.Errorf("transfer to: %w", err)
	}
	if err := w.amount(t.Amount); err != nil {
		return fmt.Errorf("transfer amount: %w", err)
	}
	if t.Memo == nil {
		w.u8(0)
	} else {
		w.u8(1)
		if err := w.memo(t.Memo, prefix); err != nil {
			return fmt.Errorf("transfer memo: %w", err)
		}
	}
	w.varint(0) // extensions
	return nil
}

func (w *rawWriter) memo(m *memo.Message, prefix string) error {
	if err := w.publicKey(m.From, prefix); err != nil {
		return err
	}
	if err := w.publicKey(m.To, prefix); err != nil {
		return err
	}
	w.u64(m.Nonce)
	msg, err := hex.DecodeString(m.Message)
	if err != nil {
		return err
	}
	w.bytes(msg)
	return nil
}
