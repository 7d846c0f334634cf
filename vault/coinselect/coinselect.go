// Package coinselect picks wallet outputs to fund an ordered list of targets.
//
// Only the contract matters to callers: selected inputs, final target values
// and the fee, or ErrNoSolution. Selection itself is largest-first
// accumulation.
package coinselect

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightsparkdev/rewind/vault/descriptor"
	"github.com/lightsparkdev/rewind/vault/sizes"
)

// ErrNoSolution is returned when the utxos cannot cover the targets and fee.
var ErrNoSolution = errors.New("no coin selection satisfies the targets")

// Utxo is a spendable wallet output.
type Utxo struct {
	Tx     *wire.MsgTx
	Vout   uint32
	Value  int64
	Output descriptor.Output
}

// Target is a destination. Its position in a target list is significant.
type Target struct {
	Output descriptor.Output
	Value  int64
}

// Result is a successful selection.
type Result struct {
	Utxos   []Utxo
	Targets []Target
	// HasChange is set when the last target is change.
	HasChange bool
	Fee       int64
	// VSize is the largest vsize the funding transaction can have.
	VSize int
}

// Fee is ceil(vsize × feeRate) with feeRate in sat/vB. The rate is taken to
// millisatoshi precision to avoid float rounding.
func Fee(vsize int, feeRate float64) int64 {
	milliRate := int64(math.Round(feeRate * 1000))
	return (int64(vsize)*milliRate + 999) / 1000
}

// DustThreshold is the value at or below which an output paying script is
// not worth spending: three times the cost of the output plus a typical
// input spending it, at 1 sat/vB. Unspendable outputs have no threshold.
func DustThreshold(script []byte) int64 {
	if txscript.IsUnspendable(script) {
		return 0
	}
	size := 8 + sizes.VarIntLen(len(script)) + len(script) + 41
	if txscript.IsWitnessProgram(script) {
		size += 107 / 4
	} else {
		size += 107
	}
	return 3 * int64(size)
}

func inputShapes(utxos []Utxo) ([]sizes.Input, error) {
	shapes := make([]sizes.Input, 0, len(utxos))
	for _, utxo := range utxos {
		shape, err := utxo.Output.InputShape()
		if err != nil {
			return nil, fmt.Errorf("utxo %s:%d: %w", utxo.Tx.TxHash(), utxo.Vout, err)
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

func scriptLens(targets []Target) []int {
	lens := make([]int, 0, len(targets))
	for _, target := range targets {
		lens = append(lens, len(target.Output.Script()))
	}
	return lens
}

func maxVSize(inputs []sizes.Input, targets []Target) int {
	return sizes.Vault(inputs, scriptLens(targets)...).VSizes().Max()
}

func sum(targets []Target) int64 {
	var total int64
	for _, target := range targets {
		total += target.Value
	}
	return total
}

// Select funds targets from the largest utxos first. Change above its dust
// threshold is appended as the last target; smaller change goes to fees.
func Select(utxos []Utxo, targets []Target, change descriptor.Output, feeRate float64) (*Result, error) {
	sorted := slices.Clone(utxos)
	slices.SortStableFunc(sorted, func(a, b Utxo) int { return cmp.Compare(b.Value, a.Value) })

	shapes, err := inputShapes(sorted)
	if err != nil {
		return nil, err
	}
	required := sum(targets)
	withChange := append(slices.Clone(targets), Target{Output: change})

	var total int64
	for n := 1; n <= len(sorted); n++ {
		total += sorted[n-1].Value

		vsize := maxVSize(shapes[:n], targets)
		fee := Fee(vsize, feeRate)
		if total < required+fee {
			continue
		}

		if change != nil {
			changeVSize := maxVSize(shapes[:n], withChange)
			changeFee := Fee(changeVSize, feeRate)
			changeValue := total - required - changeFee
			if changeValue > DustThreshold(change.Script()) {
				final := slices.Clone(withChange)
				final[len(final)-1].Value = changeValue
				return &Result{
					Utxos:     slices.Clone(sorted[:n]),
					Targets:   final,
					HasChange: true,
					Fee:       changeFee,
					VSize:     changeVSize,
				}, nil
			}
		}
		return &Result{
			Utxos:   slices.Clone(sorted[:n]),
			Targets: slices.Clone(targets),
			Fee:     total - required,
			VSize:   vsize,
		}, nil
	}
	return nil, fmt.Errorf("%w: %d sats available, %d required before fees", ErrNoSolution, total, required)
}

// MaxFunds spends every utxo. The remainder target receives whatever is left
// after the fixed targets and the fee and is returned first.
func MaxFunds(utxos []Utxo, fixed []Target, remainder descriptor.Output, feeRate float64) (*Result, error) {
	shapes, err := inputShapes(utxos)
	if err != nil {
		return nil, err
	}
	targets := append([]Target{{Output: remainder}}, fixed...)

	var total int64
	for _, utxo := range utxos {
		total += utxo.Value
	}
	vsize := maxVSize(shapes, targets)
	fee := Fee(vsize, feeRate)
	value := total - sum(fixed) - fee
	if value <= 0 {
		return nil, fmt.Errorf("%w: %d sats available, %d required", ErrNoSolution, total, sum(fixed)+fee)
	}
	targets[0].Value = value
	return &Result{
		Utxos:   slices.Clone(utxos),
		Targets: targets,
		Fee:     fee,
		VSize:   vsize,
	}, nil
}
