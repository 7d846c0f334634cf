package sizes

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestSetOperations(t *testing.T) {
	s := NewSet(5, 3, 3, 4)
	assert.Equal(t, Set{3, 4, 5}, s)
	assert.Equal(t, 3, s.Min())
	assert.Equal(t, 5, s.Max())
	assert.True(t, s.Contains(4))
	assert.False(t, s.Contains(6))

	assert.Equal(t, Set{13, 14, 15, 16}, s.Sum(NewSet(10, 11)))
	assert.Equal(t, Set{1, 3, 4, 5}, s.Union(NewSet(1, 5)))
	assert.Equal(t, 0, Set(nil).Max())
}

func TestECDSASignatureSizes(t *testing.T) {
	assert.Equal(t, Set{71, 72, 73, 74}, ECDSASignature.Sizes())
	assert.Equal(t, Set{34}, Item(33).Sizes())
	assert.Equal(t, Set{1}, Item(0).Sizes())
}

func TestScriptNumLen(t *testing.T) {
	tests := []struct {
		n    int64
		want int
	}{
		{0, 1},
		{1, 1},
		{16, 1},
		{17, 2},
		{127, 2},
		{128, 3},
		{144, 3},
		{32767, 3},
		{32768, 4},
		{65535, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ScriptNumLen(tt.n), "n=%d", tt.n)
	}
}

func TestPushDataLen(t *testing.T) {
	assert.Equal(t, 76, PushDataLen(75))
	assert.Equal(t, 78, PushDataLen(76))
	assert.Equal(t, 257, PushDataLen(255))
	assert.Equal(t, 259, PushDataLen(256))
	assert.Equal(t, 70005, PushDataLen(70000))
}

func TestTriggerVSizes(t *testing.T) {
	shape := Trigger()
	assert.Equal(t, 107, shape.StrippedSize())
	assert.Equal(t, Set{108, 109, 110, 111}, shape.WitnessSizes())
	assert.Equal(t, Set{134, 135}, shape.VSizes())
	assert.Equal(t, Set{215, 216, 217, 218}, shape.TotalSizes())
}

func TestPanicVSizes(t *testing.T) {
	assert.Equal(t, 77, TriggerScriptLen(144))

	// One ECDSA signature against the 77 byte trigger script at a 144 block
	// lock; only the cold output script differs between the two shapes.
	p2wpkhCold := Panic(144, P2WPKHScriptLen)
	assert.Equal(t, 95, p2wpkhCold.StrippedSize())
	assert.Equal(t, Set{133, 134}, p2wpkhCold.VSizes())

	p2trCold := Panic(144, P2TRScriptLen)
	assert.Equal(t, Set{145, 146}, p2trCold.VSizes())
}

func TestUnvaultCarriesEmptyBranchSelector(t *testing.T) {
	panicShape := Panic(144, P2WPKHScriptLen)
	unvaultShape := Unvault(144, P2WPKHScriptLen)
	assert.Equal(t, panicShape.StrippedSize(), unvaultShape.StrippedSize())
	assert.Equal(t, panicShape.WitnessSizes().Map(func(w int) int { return w + 1 }), unvaultShape.WitnessSizes())
}

func TestShapeWithoutWitness(t *testing.T) {
	shape := Shape{
		Inputs:  []Input{{ScriptSigLen: 107}},
		Outputs: []int{25},
	}
	assert.Equal(t, Set{0}, shape.WitnessSizes())
	assert.Equal(t, Set{shape.StrippedSize()}, shape.VSizes())
}

func TestMixedInputsGetEmptyWitness(t *testing.T) {
	legacy := Input{ScriptSigLen: 107}
	shape := Shape{Inputs: []Input{legacy, P2WPKHInput()}, Outputs: []int{P2WPKHScriptLen}}
	// marker and flag, an empty stack for the legacy input, then the P2WPKH stack.
	want := NewSet(2 + 1).Sum(P2WPKHInput().WitnessSizes())
	assert.Equal(t, want, shape.WitnessSizes())
}

func TestEntryAndContentLens(t *testing.T) {
	triggerLens := NewSet(215, 216)
	panicLens := NewSet(250)
	assert.Equal(t, Set{468, 469}, EntryLens(triggerLens, panicLens))
	assert.Equal(t, Set{511, 512}, ContentLens(triggerLens, panicLens))

	// A 253 byte transaction needs a three byte length prefix.
	assert.Equal(t, Set{1 + 3 + 253 + 1 + 10}, EntryLens(NewSet(253), NewSet(10)))
}

func TestOpReturnBackupVSizes(t *testing.T) {
	triggerLens := Trigger().TotalSizes()
	panicLens := Panic(144, P2WPKHScriptLen).TotalSizes()

	contentLens := ContentLens(triggerLens, panicLens)
	assert.Equal(t, 508, contentLens.Min())
	assert.Equal(t, 514, contentLens.Max())
	assert.Equal(t, 512, OpReturnScriptLen(508))

	vsizes := OpReturnBackupVSizes(P2WPKHInput(), triggerLens, panicLens)
	var want Set
	for _, c := range contentLens {
		want = want.Union(OpReturnBackup(P2WPKHInput(), c).VSizes())
	}
	if diff := cmp.Diff(want, vsizes); diff != "" {
		t.Errorf("OpReturnBackupVSizes mismatch (-want +got):\n%s", diff)
	}
	// 4 + 1 + 41 + 1 + (8 + 3 + 512) + 4 stripped, 38 + sig witness.
	assert.Equal(t, 574, OpReturnBackup(P2WPKHInput(), 508).StrippedSize())
}

func TestInscriptionScriptLen(t *testing.T) {
	const contentTypeLen = len("application/octet-stream")
	assert.Equal(t, 44+25+3+514, InscriptionScriptLen(contentTypeLen, 514))
	// 600 bytes of content are split into a 520 byte and an 80 byte push.
	assert.Equal(t, 44+25+523+82, InscriptionScriptLen(contentTypeLen, 600))
	assert.Equal(t, 44+25, InscriptionScriptLen(contentTypeLen, 0))
}

func TestInscriptionBackupVSizesIsCartesianSum(t *testing.T) {
	triggerLens := Trigger().TotalSizes()
	panicLens := Panic(144, P2WPKHScriptLen).TotalSizes()
	const contentTypeLen = 24

	commit := InscriptionCommit(P2WPKHInput()).VSizes()
	reveal := InscriptionRevealVSizes(contentTypeLen, P2WPKHScriptLen, triggerLens, panicLens)
	total := InscriptionBackupVSizes(P2WPKHInput(), contentTypeLen, P2WPKHScriptLen, triggerLens, panicLens)

	assert.Equal(t, commit.Min()+reveal.Min(), total.Min())
	assert.Equal(t, commit.Max()+reveal.Max(), total.Max())
	assert.Equal(t, Set{121, 122}, commit)
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check("trigger", NewSet(134, 135), 135))

	err := Check("trigger", NewSet(134, 135), 136)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.EqualError(t, err, "trigger transaction has vsize 136, expected one of [134 135]")
}
