package btcnetwork

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Network
	}{
		{
			name:  "mainnet",
			input: "mainnet",
			want:  Mainnet,
		},
		{
			name:  "bitcoin alias",
			input: "bitcoin",
			want:  Mainnet,
		},
		{
			name:  "regtest uppercase",
			input: "REGTEST",
			want:  Regtest,
		},
		{
			name:  "testnet",
			input: "testnet",
			want:  Testnet,
		},
		{
			name:  "signet",
			input: "Signet",
			want:  Signet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromStringUnknownValue(t *testing.T) {
	_, err := FromString("liquid")
	require.Error(t, err)
}

func TestParamsRoundTrip(t *testing.T) {
	for _, n := range []Network{Mainnet, Regtest, Testnet, Signet} {
		got, err := FromParams(n.Params())
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestUnspecifiedDefaultsToMainnetParams(t *testing.T) {
	assert.Equal(t, &chaincfg.MainNetParams, Unspecified.Params())
}

func TestCoinType(t *testing.T) {
	assert.Equal(t, uint32(0), Mainnet.CoinType())
	assert.Equal(t, uint32(1), Regtest.CoinType())
	assert.Equal(t, uint32(1), Signet.CoinType())
}
