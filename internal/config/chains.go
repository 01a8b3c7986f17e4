package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainProfile describes one chain's endpoints and scan parameters, per
// the data model's ChainProfile.
type ChainProfile struct {
	ChainID             int64    `json:"chainId"`
	Name                string   `json:"name"`
	NativeSymbol        string   `json:"nativeSymbol"`
	RPCUrls             []string `json:"rpcUrls"`
	MulticallAddress    string   `json:"multicallAddress"`
	LogCrawlChunkSize   uint64   `json:"logCrawlChunkSize"`
	ScannerConcurrency  int      `json:"scannerConcurrency"`
	DiscoveryStartBlock uint64   `json:"discoveryStartBlock"`

	// MaxCatchup bounds how many blocks the Head Scanner will advance past
	// its checkpoint in a single poll (§4.9 step 2), distinct from
	// LogCrawlChunkSize which bounds one getLogs call's range. Defaults to
	// 200 when unset in chains.json.
	MaxCatchup uint64 `json:"maxCatchup"`
}

const defaultMaxCatchup = 200

// MulticallAddr returns the multicall contract address as a common.Address.
func (c *ChainProfile) MulticallAddr() common.Address {
	return common.HexToAddress(c.MulticallAddress)
}

// ChainSet holds all configured chain profiles, keyed by name.
type ChainSet struct {
	Chains map[string]*ChainProfile `json:"chains"`
}

// LoadChains reads chain profiles from a chains.json file.
func LoadChains(filepath string) (*ChainSet, error) {
	raw, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}

	var set ChainSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("failed to parse chains file: %w", err)
	}
	for _, p := range set.Chains {
		if p.MaxCatchup == 0 {
			p.MaxCatchup = defaultMaxCatchup
		}
	}
	return &set, nil
}

// Get returns the profile for a chain by name.
func (s *ChainSet) Get(name string) (*ChainProfile, error) {
	p, ok := s.Chains[name]
	if !ok {
		return nil, fmt.Errorf("chain %q not found in chains.json", name)
	}
	return p, nil
}

// ByChainID returns the profile whose ChainID matches id.
func (s *ChainSet) ByChainID(id int64) (*ChainProfile, bool) {
	for _, p := range s.Chains {
		if p.ChainID == id {
			return p, true
		}
	}
	return nil, false
}

// All returns every configured profile.
func (s *ChainSet) All() []*ChainProfile {
	out := make([]*ChainProfile, 0, len(s.Chains))
	for _, p := range s.Chains {
		out = append(out, p)
	}
	return out
}

// Durations used across the engine, overridable via config.toml / env.
type Durations struct {
	CacheTTL                  time.Duration
	HardExpiry                time.Duration
	CleanupInterval           time.Duration
	BackgroundRefreshInterval time.Duration
	RPCTimeout                time.Duration
	HTTPRequestDeadline       time.Duration
	BuildTimeout              time.Duration
	StuckSyncThreshold        time.Duration
	HeadScanPollInterval      time.Duration
}

// DefaultDurations matches the defaults named in SPEC_FULL.md §4.7/§4.9/§5.
func DefaultDurations() Durations {
	return Durations{
		CacheTTL:                  60 * time.Second,
		HardExpiry:                30 * time.Minute,
		CleanupInterval:           10 * time.Minute,
		BackgroundRefreshInterval: 60 * time.Second,
		RPCTimeout:                4 * time.Second,
		HTTPRequestDeadline:       30 * time.Second,
		BuildTimeout:              90 * time.Second,
		StuckSyncThreshold:        5 * time.Minute,
		HeadScanPollInterval:      10 * time.Second,
	}
}
