package txbuilder

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"ppy-wallet/go-core/pkg/models"
)

const DefaultExpireAfter = 60 * time.Second

// Reference ties a transaction to a recent block and bounds its lifetime.
type Reference struct {
	RefBlockNum    uint16
	RefBlockPrefix uint32
	Expiration     time.Time
}

// ResolveReference derives the reference block from the head block: the low
// 16 bits of its number and the little endian uint32 at bytes 4..8 of its
// id. The transaction expires expireAfter from now.
func ResolveReference(props models.DynamicGlobalProperties, now time.Time, expireAfter time.Duration) (Reference, error) {
	id, err := hex.DecodeString(props.HeadBlockID)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: head_block_id: %v", ErrReference, err)
	}
	if len(id) < 8 {
		return Reference{}, fmt.Errorf("%w: head_block_id too short", ErrReference)
	}
	if expireAfter <= 0 {
		expireAfter = DefaultExpireAfter
	}
	return Reference{
		RefBlockNum:    uint16(props.HeadBlockNumber & 0xffff),
		RefBlockPrefix: binary.LittleEndian.Uint32(id[4:8]),
		Expiration:     now.Add(expireAfter).UTC().Truncate(time.Second),
	}, nil
}
