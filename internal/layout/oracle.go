package layout

import "fmt"

// OracleSource identifies the price feed mechanism backing an asset.
type OracleSource uint8

const (
	OracleSourcePyth OracleSource = iota
	OracleSourceSwitchboard
	OracleSourceQuoteAsset
	OracleSourcePyth1K
	OracleSourcePyth1M
	OracleSourcePythStableCoin
	OracleSourcePrelaunch
	OracleSourcePythPull
	OracleSourcePyth1KPull
	OracleSourcePyth1MPull
	OracleSourcePythStableCoinPull
	OracleSourceSwitchboardOnDemand
	OracleSourcePythLazer
	OracleSourcePythLazer1K
	OracleSourcePythLazer1M
	OracleSourcePythLazerStableCoin
	OracleSourceNotSet
	OracleSourceLstPoolState
	OracleSourceMarinadeState
	OracleSourceBaseAsset
	OracleSourceChainlinkRWA
)

var oracleSourceNames = [...]string{
	"Pyth",
	"Switchboard",
	"QuoteAsset",
	"Pyth1K",
	"Pyth1M",
	"PythStableCoin",
	"Prelaunch",
	"PythPull",
	"Pyth1KPull",
	"Pyth1MPull",
	"PythStableCoinPull",
	"SwitchboardOnDemand",
	"PythLazer",
	"PythLazer1K",
	"PythLazer1M",
	"PythLazerStableCoin",
	"NotSet",
	"LstPoolState",
	"MarinadeState",
	"BaseAsset",
	"ChainlinkRWA",
}

// ParseOracleSource maps a wire tag to an OracleSource. Unknown tags are an error.
func ParseOracleSource(tag uint8) (OracleSource, error) {
	if int(tag) >= len(oracleSourceNames) {
		return 0, fmt.Errorf("unknown oracle source tag %d", tag)
	}
	return OracleSource(tag), nil
}

// OracleSourceFromName resolves the textual form used in config files and logs.
func OracleSourceFromName(name string) (OracleSource, error) {
	for i, n := range oracleSourceNames {
		if n == name {
			return OracleSource(i), nil
		}
	}
	return 0, fmt.Errorf("unknown oracle source %q", name)
}

func (s OracleSource) String() string {
	if int(s) < len(oracleSourceNames) {
		return oracleSourceNames[s]
	}
	return fmt.Sprintf("OracleSource(%d)", uint8(s))
}

// Supported reports whether the source carries enough context in its own
// account to be priced by the vault program. Legacy push feeds and
// placeholder tags are not.
func (s OracleSource) Supported() bool {
	switch s {
	case OracleSourcePythPull,
		OracleSourcePyth1KPull,
		OracleSourcePyth1MPull,
		OracleSourcePythStableCoinPull,
		OracleSourceSwitchboardOnDemand,
		OracleSourcePythLazer,
		OracleSourcePythLazer1K,
		OracleSourcePythLazer1M,
		OracleSourcePythLazerStableCoin,
		OracleSourceChainlinkRWA,
		OracleSourceLstPoolState,
		OracleSourceMarinadeState,
		OracleSourceQuoteAsset,
		OracleSourceBaseAsset:
		return true
	default:
		return false
	}
}
