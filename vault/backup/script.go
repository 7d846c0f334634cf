package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/vault/sizes"
)

// ContentType is the inscription content type of a backup.
const ContentType = "application/octet-stream"

var (
	ordTag         = []byte("ord")
	contentTypeTag = []byte{0x01}

	// ErrNotInscription is returned for scripts that do not follow the
	// inscription envelope.
	ErrNotInscription = errors.New("script is not an inscription")
)

// pushData encodes data as a single push using the smallest length prefix.
// Unlike txscript.ScriptBuilder it never turns short data into small integer
// opcodes, which keeps script lengths a function of the data length alone.
func pushData(data []byte) []byte {
	n := len(data)
	out := make([]byte, 0, sizes.PushDataLen(n))
	switch {
	case n <= txscript.OP_DATA_75:
		out = append(out, byte(n))
	case n <= 0xff:
		out = append(out, txscript.OP_PUSHDATA1, byte(n))
	case n <= 0xffff:
		out = append(out, txscript.OP_PUSHDATA2)
		out = binary.LittleEndian.AppendUint16(out, uint16(n))
	default:
		out = append(out, txscript.OP_PUSHDATA4)
		out = binary.LittleEndian.AppendUint32(out, uint32(n))
	}
	return append(out, data...)
}

// OpReturnScript returns OP_RETURN followed by a single push of payload.
func OpReturnScript(payload []byte) []byte {
	return append([]byte{txscript.OP_RETURN}, pushData(payload)...)
}

// ExtractOpReturnPayload returns the first OP_RETURN push of tx that starts
// with Magic.
func ExtractOpReturnPayload(tx *wire.MsgTx) ([]byte, bool) {
	for _, out := range tx.TxOut {
		if len(out.PkScript) == 0 || out.PkScript[0] != txscript.OP_RETURN {
			continue
		}
		tokenizer := txscript.MakeScriptTokenizer(0, out.PkScript[1:])
		if !tokenizer.Next() || tokenizer.Data() == nil {
			continue
		}
		if data := tokenizer.Data(); HasMagic(data) {
			return bytes.Clone(data), true
		}
	}
	return nil, false
}

// InscriptionScript builds the tapscript
//
//	<xonly> OP_CHECKSIG OP_0 OP_IF "ord" 01 <contentType> OP_0 <content...> OP_ENDIF
//
// with content split into pushes of at most 520 bytes.
func InscriptionScript(xOnlyPubKey []byte, contentType string, content []byte) ([]byte, error) {
	if len(xOnlyPubKey) != sizes.XOnlyPubKeyLen {
		return nil, fmt.Errorf("inscription key must be %d bytes, got %d", sizes.XOnlyPubKeyLen, len(xOnlyPubKey))
	}
	builder := txscript.NewScriptBuilder().
		AddOps(pushData(xOnlyPubKey)).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_FALSE).
		AddOp(txscript.OP_IF).
		AddOps(pushData(ordTag)).
		AddOps(pushData(contentTypeTag)).
		AddOps(pushData([]byte(contentType))).
		AddOp(txscript.OP_0)
	for chunk := range chunks(content, sizes.MaxScriptElementSize) {
		builder.AddOps(pushData(chunk))
	}
	return builder.AddOp(txscript.OP_ENDIF).Script()
}

func chunks(data []byte, size int) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(data) > 0 {
			n := min(len(data), size)
			if !yield(data[:n]) {
				return
			}
			data = data[n:]
		}
	}
}

// Envelope is a parsed inscription envelope.
type Envelope struct {
	XOnlyPubKey []byte
	ContentType string
	Content     []byte
}

// ParseInscriptionScript reverses InscriptionScript.
func ParseInscriptionScript(script []byte) (*Envelope, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	next := func(what string) error {
		if !tokenizer.Next() {
			if err := tokenizer.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrNotInscription, err)
			}
			return fmt.Errorf("%w: missing %s", ErrNotInscription, what)
		}
		return nil
	}
	expectOp := func(op byte, what string) error {
		if err := next(what); err != nil {
			return err
		}
		if tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrNotInscription, what)
		}
		return nil
	}
	expectData := func(what string) ([]byte, error) {
		if err := next(what); err != nil {
			return nil, err
		}
		if tokenizer.Opcode() > txscript.OP_PUSHDATA4 {
			return nil, fmt.Errorf("%w: expected %s push", ErrNotInscription, what)
		}
		return tokenizer.Data(), nil
	}

	xOnly, err := expectData("public key")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_FALSE, "OP_FALSE"); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	tag, err := expectData("ord tag")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(tag, ordTag) {
		return nil, fmt.Errorf("%w: unexpected tag %q", ErrNotInscription, tag)
	}
	if err := next("content type tag"); err != nil {
		return nil, err
	}
	if !bytes.Equal(tokenizer.Data(), contentTypeTag) && tokenizer.Opcode() != txscript.OP_1 {
		return nil, fmt.Errorf("%w: expected content type tag", ErrNotInscription)
	}
	contentType, err := expectData("content type")
	if err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_0, "body separator"); err != nil {
		return nil, err
	}

	var content []byte
	for {
		if err := next("OP_ENDIF"); err != nil {
			return nil, err
		}
		if tokenizer.Opcode() == txscript.OP_ENDIF {
			break
		}
		if tokenizer.Opcode() > txscript.OP_PUSHDATA4 || tokenizer.Opcode() == txscript.OP_0 {
			return nil, fmt.Errorf("%w: unexpected opcode in body", ErrNotInscription)
		}
		content = append(content, tokenizer.Data()...)
	}
	return &Envelope{
		XOnlyPubKey: bytes.Clone(xOnly),
		ContentType: string(contentType),
		Content:     content,
	}, nil
}

// ExtractInscriptionPayload scans the script path spends of tx for an
// inscription whose content starts with Magic.
func ExtractInscriptionPayload(tx *wire.MsgTx) ([]byte, bool) {
	for _, txIn := range tx.TxIn {
		witness := txIn.Witness
		// Drop the annex.
		if len(witness) >= 2 && len(witness[len(witness)-1]) > 0 && witness[len(witness)-1][0] == txscript.TaprootAnnexTag {
			witness = witness[:len(witness)-1]
		}
		if len(witness) < 2 {
			continue
		}
		inscription, err := ParseInscriptionScript(witness[len(witness)-2])
		if err != nil {
			continue
		}
		if HasMagic(inscription.Content) {
			return inscription.Content, true
		}
	}
	return nil, false
}
