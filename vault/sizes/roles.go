package sizes

// ScriptNumLen is the length of the minimal push of a non-negative script
// number, opcode included.
func ScriptNumLen(n int64) int {
	if n <= 16 {
		return 1
	}
	numBytes := 0
	for v := n; v > 0; v >>= 8 {
		numBytes++
	}
	// A set high bit would flip the sign, so it takes an extra zero byte.
	if (n>>(8*(numBytes-1)))&0x80 != 0 {
		numBytes++
	}
	return 1 + numBytes
}

// PushDataLen is the length of a canonical data push of n bytes, prefix
// included.
func PushDataLen(n int) int {
	switch {
	case n <= 75:
		return 1 + n
	case n <= 0xff:
		return 2 + n
	case n <= 0xffff:
		return 3 + n
	default:
		return 5 + n
	}
}

// TriggerScriptLen is the length of the witness script
// <panic> CHECKSIG IFDUP NOTIF <unvault> CHECKSIGVERIFY <N> CSV ENDIF.
func TriggerScriptLen(lockBlocks int64) int {
	return 2*(1+CompressedPubKeyLen) + 6 + ScriptNumLen(lockBlocks)
}

// P2WPKHInput spends a P2WPKH output.
func P2WPKHInput() Input {
	return Input{Witness: []WitnessItem{ECDSASignature, Item(CompressedPubKeyLen)}}
}

// PanicInput spends the trigger output through the panic key.
func PanicInput(lockBlocks int64) Input {
	return Input{Witness: []WitnessItem{ECDSASignature, Item(TriggerScriptLen(lockBlocks))}}
}

// UnvaultInput spends the trigger output through the delayed unvault key.
func UnvaultInput(lockBlocks int64) Input {
	return Input{Witness: []WitnessItem{ECDSASignature, Item(0), Item(TriggerScriptLen(lockBlocks))}}
}

// InscriptionRevealInput spends the commit output through its only leaf.
func InscriptionRevealInput(tapscriptLen int) Input {
	return Input{Witness: []WitnessItem{Item(SchnorrSigLen), Item(tapscriptLen), Item(ControlBlockLen)}}
}

// Vault is the funding transaction: the selected inputs paying the vault
// output, the optional backup output and change.
func Vault(inputs []Input, outputScriptLens ...int) Shape {
	return Shape{Inputs: inputs, Outputs: outputScriptLens}
}

// Trigger spends the P2WPKH vault output into the P2WSH trigger output and an
// anchor.
func Trigger() Shape {
	return Shape{
		Inputs:  []Input{P2WPKHInput()},
		Outputs: []int{P2WSHScriptLen, AnchorScriptLen},
	}
}

// Panic sweeps the trigger output to the cold script plus an anchor.
func Panic(lockBlocks int64, coldScriptLen int) Shape {
	return Shape{
		Inputs:  []Input{PanicInput(lockBlocks)},
		Outputs: []int{coldScriptLen, AnchorScriptLen},
	}
}

// Unvault is the delayed cooperative spend of the trigger output.
func Unvault(lockBlocks int64, destScriptLen int) Shape {
	return Shape{
		Inputs:  []Input{UnvaultInput(lockBlocks)},
		Outputs: []int{destScriptLen, AnchorScriptLen},
	}
}

// EntryLens are the possible serialized entry lengths given the possible
// trigger and panic lengths.
func EntryLens(triggerLens, panicLens Set) Set {
	return triggerLens.FlatMap(func(t int) Set {
		return panicLens.Map(func(p int) int {
			return EntryVersionLen + VarIntLen(t) + t + VarIntLen(p) + p
		})
	})
}

// ContentLens are the possible payload lengths: magic, nonce, ciphertext of
// the entry and its tag.
func ContentLens(triggerLens, panicLens Set) Set {
	return EntryLens(triggerLens, panicLens).Map(func(e int) int {
		return MagicLen + NonceLen + e + TagLen
	})
}

// OpReturnScriptLen is OP_RETURN followed by a single push of the content.
func OpReturnScriptLen(contentLen int) int {
	return 1 + PushDataLen(contentLen)
}

// OpReturnBackup spends the backup output into a lone OP_RETURN output.
func OpReturnBackup(backupInput Input, contentLen int) Shape {
	return Shape{
		Inputs:  []Input{backupInput},
		Outputs: []int{OpReturnScriptLen(contentLen)},
	}
}

// OpReturnBackupVSizes covers every content length the entry can produce.
func OpReturnBackupVSizes(backupInput Input, triggerLens, panicLens Set) Set {
	return ContentLens(triggerLens, panicLens).FlatMap(func(c int) Set {
		return OpReturnBackup(backupInput, c).VSizes()
	})
}

// InscriptionScriptLen is the length of
// <xonly> CHECKSIG OP_0 IF "ord" 01 <content-type> OP_0 <chunks...> ENDIF.
func InscriptionScriptLen(contentTypeLen, contentLen int) int {
	size := 1 + XOnlyPubKeyLen // pubkey push
	size++                     // OP_CHECKSIG
	size += 2                  // OP_0 OP_IF
	size += PushDataLen(3)     // "ord"
	size += 2                  // content type tag
	size += PushDataLen(contentTypeLen)
	size++ // OP_0 body separator
	for remaining := contentLen; remaining > 0; remaining -= MaxScriptElementSize {
		size += PushDataLen(min(remaining, MaxScriptElementSize))
	}
	return size + 1 // OP_ENDIF
}

// InscriptionCommit spends the backup output into the taproot commit output.
func InscriptionCommit(backupInput Input) Shape {
	return Shape{
		Inputs:  []Input{backupInput},
		Outputs: []int{P2TRScriptLen},
	}
}

// InscriptionReveal spends the commit output, revealing contentLen bytes, to
// a single output.
func InscriptionReveal(contentTypeLen, contentLen, outScriptLen int) Shape {
	return Shape{
		Inputs:  []Input{InscriptionRevealInput(InscriptionScriptLen(contentTypeLen, contentLen))},
		Outputs: []int{outScriptLen},
	}
}

// InscriptionRevealVSizes covers every content length the entry can produce.
func InscriptionRevealVSizes(contentTypeLen, outScriptLen int, triggerLens, panicLens Set) Set {
	return ContentLens(triggerLens, panicLens).FlatMap(func(c int) Set {
		return InscriptionReveal(contentTypeLen, c, outScriptLen).VSizes()
	})
}

// InscriptionBackupVSizes is the combined commit and reveal size.
func InscriptionBackupVSizes(backupInput Input, contentTypeLen, outScriptLen int, triggerLens, panicLens Set) Set {
	return InscriptionCommit(backupInput).VSizes().Sum(
		InscriptionRevealVSizes(contentTypeLen, outScriptLen, triggerLens, panicLens),
	)
}
