// Package backup encodes the trigger and panic transactions of a vault into an
// encrypted payload and embeds it on chain, either in an OP_RETURN output or
// in the witness of an inscription reveal.
package backup

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// EntryVersion is the only entry format.
const EntryVersion uint8 = 1

var (
	ErrMissingVersion = errors.New("backup entry is empty")
	ErrInvalidVarint  = errors.New("backup entry has an invalid length prefix")
	ErrTruncatedEntry = errors.New("backup entry is truncated")
)

// Entry is the plaintext of a backup payload.
type Entry struct {
	Version   uint8
	TriggerTx []byte
	PanicTx   []byte
}

// SerializeEntry returns version || varint || trigger || varint || panic.
func SerializeEntry(triggerTx, panicTx []byte) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 1+9+len(triggerTx)+9+len(panicTx)))
	buf.WriteByte(EntryVersion)
	// Writes to a bytes.Buffer cannot fail.
	_ = wire.WriteVarBytes(buf, 0, triggerTx)
	_ = wire.WriteVarBytes(buf, 0, panicTx)
	return buf.Bytes()
}

// DecodeEntry splits an entry into its fields. The transaction bytes are not
// validated.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) == 0 {
		return nil, ErrMissingVersion
	}
	r := bytes.NewReader(data[1:])
	triggerTx, err := readField(r, "trigger")
	if err != nil {
		return nil, err
	}
	panicTx, err := readField(r, "panic")
	if err != nil {
		return nil, err
	}
	return &Entry{Version: data[0], TriggerTx: triggerTx, PanicTx: panicTx}, nil
}

func readField(r *bytes.Reader, name string) ([]byte, error) {
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidVarint, name, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncatedEntry, name, n, r.Len())
	}
	field := make([]byte, n)
	// Length was checked above.
	_, _ = r.Read(field)
	return field, nil
}
