package rpc

// Network identifies a chain by id.
type Network struct {
	Name       string
	ChainID    string
	CoreAsset  string
	AddrPrefix string
}

const UnknownNetworkName = "Undefined Blockchain"

var knownNetworks = []Network{
	{
		Name:       "Peerplays",
		ChainID:    "6b6b5f0ce7a36d323768e534f3edb41c6d6332a541a95725b98e28d140850134",
		CoreAsset:  "PPY",
		AddrPrefix: "PPY",
	},
	{
		Name:       "PeerplaysTestnet",
		ChainID:    "be6b79295e728406cbb7494bcb626e62ad278fa4018699cf8f75739f4c1a81fd",
		CoreAsset:  "TEST",
		AddrPrefix: "TEST",
	},
}

// LookupNetwork resolves a chain id; unknown ids yield UnknownNetworkName.
func LookupNetwork(chainID string) Network {
	for _, n := range knownNetworks {
		if n.ChainID == chainID {
			return n
		}
	}
	return Network{Name: UnknownNetworkName, ChainID: chainID}
}
