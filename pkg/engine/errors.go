package engine

import (
	"errors"
	"fmt"

	"github.com/KevoDB/s3kv/pkg/block"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrStoreUnavailable is returned when the object store could not serve a block
	ErrStoreUnavailable = errors.New("object store unavailable")
	// ErrBlockNotFound is returned when the index references a block the store does not hold
	ErrBlockNotFound = errors.New("block not found")
	// ErrCorruptBlock is returned when a fetched block fails to decode
	ErrCorruptBlock = fmt.Errorf("corrupt block: %w", block.ErrCorrupt)
)

// KeyError describes a failed operation on a single key
type KeyError struct {
	Key []byte
	Op  string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}
