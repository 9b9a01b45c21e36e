package block

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// ObjectPrefix is the object store prefix under which blocks are written
const ObjectPrefix = "block/"

// ObjectKey returns the object store key of a block: the hex encoding of its
// uvarint-encoded ID under ObjectPrefix.
func ObjectKey(id ID) string {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(id))
	return ObjectPrefix + hex.EncodeToString(buf[:n])
}

// ParseObjectKey is the inverse of ObjectKey
func ParseObjectKey(key string) (ID, error) {
	name, ok := strings.CutPrefix(key, ObjectPrefix)
	if !ok {
		return 0, fmt.Errorf("object key %q is not under %q", key, ObjectPrefix)
	}
	raw, err := hex.DecodeString(name)
	if err != nil {
		return 0, fmt.Errorf("object key %q: %w", key, err)
	}
	v, n := binary.Uvarint(raw)
	if n <= 0 || n != len(raw) {
		return 0, fmt.Errorf("object key %q does not hold a block id", key)
	}
	return ID(v), nil
}

