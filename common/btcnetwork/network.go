package btcnetwork

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network is the type for Bitcoin networks a vault can live on.
type Network int

const (
	Unspecified Network = iota
	// Mainnet is the main Bitcoin network.
	Mainnet
	// Regtest is the regression test network.
	Regtest
	// Testnet is the test network.
	Testnet
	// Signet is the signet network.
	Signet
)

// Values returns the values for the Network type.
func (Network) Values() []string {
	return []string{
		Unspecified.String(),
		Mainnet.String(),
		Regtest.String(),
		Testnet.String(),
		Signet.String(),
	}
}

// FromString parses a network name string and returns the corresponding Network.
func FromString(network string) (Network, error) {
	// Config files and explorers use lowercase names, so compare case-insensitively.
	switch strings.ToUpper(network) {
	case "MAINNET", "BITCOIN":
		return Mainnet, nil
	case "REGTEST":
		return Regtest, nil
	case "TESTNET", "TESTNET3":
		return Testnet, nil
	case "SIGNET":
		return Signet, nil
	default:
		return Unspecified, fmt.Errorf("invalid network: %s", network)
	}
}

// String returns the uppercase string representation of the Network.
func (n Network) String() string {
	switch n {
	case Unspecified:
		return "UNSPECIFIED"
	case Regtest:
		return "REGTEST"
	case Testnet:
		return "TESTNET"
	case Signet:
		return "SIGNET"
	case Mainnet:
		return "MAINNET"
	default:
		return "UNSPECIFIED"
	}
}

// CoinType returns the BIP44 coin type used in derivation paths: 0 on
// mainnet and 1 on every test network.
func (n Network) CoinType() uint32 {
	if n == Mainnet {
		return 0
	}
	return 1
}

// Params converts a Network into its corresponding chaincfg.Params
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// FromParams maps chaincfg params back to a Network.
func FromParams(params *chaincfg.Params) (Network, error) {
	switch params.Net {
	case chaincfg.MainNetParams.Net:
		return Mainnet, nil
	case chaincfg.RegressionNetParams.Net:
		return Regtest, nil
	case chaincfg.TestNet3Params.Net:
		return Testnet, nil
	case chaincfg.SigNetParams.Net:
		return Signet, nil
	default:
		return Unspecified, fmt.Errorf("unknown network params: %s", params.Name)
	}
}
