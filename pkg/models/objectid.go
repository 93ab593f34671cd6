package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Well known object identifiers.
const (
	GlobalPropertiesID        = "2.0.0"
	DynamicGlobalPropertiesID = "2.1.0"
	CoreAssetID               = "1.3.0"
)

// ObjectID is the space.type.instance triple identifying a chain object.
type ObjectID struct {
	Space    uint8
	Type     uint8
	Instance uint64
}

func ParseObjectID(raw string) (ObjectID, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return ObjectID{}, fmt.Errorf("invalid object id %q", raw)
	}
	space, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid object id %q: %w", raw, err)
	}
	typ, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid object id %q: %w", raw, err)
	}
	instance, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid object id %q: %w", raw, err)
	}
	return ObjectID{Space: uint8(space), Type: uint8(typ), Instance: instance}, nil
}

func (id ObjectID) String() string {
	return fmt.Sprintf("%d.%d.%d", id.Space, id.Type, id.Instance)
}

// IsObjectID reports whether raw looks like an object id rather than a name.
func IsObjectID(raw string) bool {
	_, err := ParseObjectID(raw)
	return err == nil
}

func IsAccountID(raw string) bool {
	id, err := ParseObjectID(raw)
	return err == nil && id.Space == 1 && id.Type == 2
}
