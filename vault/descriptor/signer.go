package descriptor

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"

	"github.com/lightsparkdev/rewind/common"
)

// Signer adds signatures to every input of a packet it holds keys for.
type Signer interface {
	SignPsbt(p *psbt.Packet) error
}

// KeySigner signs P2WPKH, P2WSH and tapscript inputs with in-memory keys.
type KeySigner struct {
	keys []*btcec.PrivateKey
}

// NewKeySigner returns a signer for keys. Nil keys are ignored.
func NewKeySigner(keys ...*btcec.PrivateKey) *KeySigner {
	s := &KeySigner{}
	for _, key := range keys {
		if key != nil {
			s.keys = append(s.keys, key)
		}
	}
	return s
}

// SignerFor collects the private keys of every WPKH output.
func SignerFor(outputs ...Output) *KeySigner {
	var keys []*btcec.PrivateKey
	for _, out := range outputs {
		if wpkh, ok := out.(*WPKH); ok && wpkh.PrivKey != nil {
			keys = append(keys, wpkh.PrivKey)
		}
	}
	return NewKeySigner(keys...)
}

// PrevOutputFetcher reads the spent outputs recorded in the packet.
func PrevOutputFetcher(p *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range p.UnsignedTx.TxIn {
		in := p.Inputs[i]
		switch {
		case in.WitnessUtxo != nil:
			fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)
		case in.NonWitnessUtxo != nil && int(txIn.PreviousOutPoint.Index) < len(in.NonWitnessUtxo.TxOut):
			fetcher.AddPrevOut(txIn.PreviousOutPoint, in.NonWitnessUtxo.TxOut[txIn.PreviousOutPoint.Index])
		default:
			return nil, fmt.Errorf("input %d is missing its previous output", i)
		}
	}
	return fetcher, nil
}

func (s *KeySigner) SignPsbt(p *psbt.Packet) error {
	if err := psbt.InputsReadyToSign(p); err != nil {
		return fmt.Errorf("psbt inputs not ready: %w", err)
	}
	fetcher, err := PrevOutputFetcher(p)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, fetcher)

	for i := range p.Inputs {
		in := &p.Inputs[i]
		if in.FinalScriptWitness != nil || in.FinalScriptSig != nil {
			continue
		}
		prevOut := fetcher.FetchPrevOutput(p.UnsignedTx.TxIn[i].PreviousOutPoint)

		switch {
		case len(in.TaprootLeafScript) > 0:
			if err := s.signTapscript(p, i, sigHashes, prevOut.Value, prevOut.PkScript); err != nil {
				return err
			}
		case len(in.WitnessScript) > 0:
			for _, key := range s.keys {
				pubKey := key.PubKey().SerializeCompressed()
				if !bytes.Contains(in.WitnessScript, pubKey) {
					continue
				}
				if err := s.signWitnessV0(p, i, sigHashes, prevOut.Value, in.WitnessScript, key); err != nil {
					return err
				}
			}
		case txscript.IsPayToWitnessPubKeyHash(prevOut.PkScript):
			for _, key := range s.keys {
				if !bytes.Equal(btcutil.Hash160(key.PubKey().SerializeCompressed()), prevOut.PkScript[2:]) {
					continue
				}
				if err := s.signWitnessV0(p, i, sigHashes, prevOut.Value, prevOut.PkScript, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *KeySigner) signWitnessV0(p *psbt.Packet, index int, sigHashes *txscript.TxSigHashes, amount int64, subScript []byte, key *btcec.PrivateKey) error {
	sig, err := txscript.RawTxInWitnessSignature(p.UnsignedTx, sigHashes, index, amount, subScript, txscript.SigHashAll, key)
	if err != nil {
		return fmt.Errorf("failed to sign input %d: %w", index, err)
	}
	hash, err := txscript.CalcWitnessSigHash(subScript, sigHashes, txscript.SigHashAll, p.UnsignedTx, index, amount)
	if err != nil {
		return fmt.Errorf("failed to compute sighash for input %d: %w", index, err)
	}
	// The trailing byte is the sighash type.
	if err := common.VerifyECDSASignature(key.PubKey(), sig[:len(sig)-1], hash); err != nil {
		return fmt.Errorf("produced an invalid signature for input %d: %w", index, err)
	}
	p.Inputs[index].PartialSigs = append(p.Inputs[index].PartialSigs, &psbt.PartialSig{
		PubKey:    key.PubKey().SerializeCompressed(),
		Signature: sig,
	})
	return nil
}

func (s *KeySigner) signTapscript(p *psbt.Packet, index int, sigHashes *txscript.TxSigHashes, amount int64, pkScript []byte) error {
	in := &p.Inputs[index]
	for _, leafScript := range in.TaprootLeafScript {
		leaf := txscript.NewTapLeaf(leafScript.LeafVersion, leafScript.Script)
		leafHash := leaf.TapHash()
		for _, key := range s.keys {
			xOnly := schnorr.SerializePubKey(key.PubKey())
			if !bytes.Contains(leafScript.Script, xOnly) {
				continue
			}
			sig, err := txscript.RawTxInTapscriptSignature(p.UnsignedTx, sigHashes, index, amount, pkScript, leaf, txscript.SigHashDefault, key)
			if err != nil {
				return fmt.Errorf("failed to sign tapscript input %d: %w", index, err)
			}
			in.TaprootScriptSpendSig = append(in.TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
				XOnlyPubKey: xOnly,
				LeafHash:    leafHash[:],
				Signature:   sig,
				SigHash:     txscript.SigHashDefault,
			})
		}
	}
	return nil
}
