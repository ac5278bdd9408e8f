package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// AssetConfig declares one approved collateral asset: its token address, the
// price feed serving its USD quote, and the feed's native decimal count.
type AssetConfig struct {
	Symbol       string `toml:"Symbol"`
	Token        string `toml:"Token"`
	Feed         string `toml:"Feed"`
	FeedDecimals uint8  `toml:"FeedDecimals"`
}

// Config captures the runtime configuration for the vaultd service.
type Config struct {
	RPCAddress    string        `toml:"RPCAddress"`
	DataDir       string        `toml:"DataDir"`
	EngineAddress string        `toml:"EngineAddress"`
	Assets        []AssetConfig `toml:"assets"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems before any
// component is constructed from it.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: not initialised")
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress required")
	}
	if !common.IsHexAddress(strings.TrimSpace(c.EngineAddress)) {
		return fmt.Errorf("config: EngineAddress %q is not a hex address", c.EngineAddress)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("config: at least one collateral asset required")
	}
	seenTokens := make(map[common.Address]struct{}, len(c.Assets))
	seenFeeds := make(map[common.Address]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return fmt.Errorf("config: asset %d: Symbol required", i)
		}
		if !common.IsHexAddress(strings.TrimSpace(asset.Token)) {
			return fmt.Errorf("config: asset %s: Token %q is not a hex address", asset.Symbol, asset.Token)
		}
		if !common.IsHexAddress(strings.TrimSpace(asset.Feed)) {
			return fmt.Errorf("config: asset %s: Feed %q is not a hex address", asset.Symbol, asset.Feed)
		}
		if asset.FeedDecimals == 0 || asset.FeedDecimals > 36 {
			return fmt.Errorf("config: asset %s: FeedDecimals %d out of range", asset.Symbol, asset.FeedDecimals)
		}
		token := common.HexToAddress(asset.Token)
		feed := common.HexToAddress(asset.Feed)
		if _, ok := seenTokens[token]; ok {
			return fmt.Errorf("config: asset %s: duplicate token %s", asset.Symbol, token.Hex())
		}
		if _, ok := seenFeeds[feed]; ok {
			return fmt.Errorf("config: asset %s: duplicate feed %s", asset.Symbol, feed.Hex())
		}
		seenTokens[token] = struct{}{}
		seenFeeds[feed] = struct{}{}
	}
	return nil
}

// EngineAddr returns the parsed engine module address.
func (c *Config) EngineAddr() common.Address {
	return common.HexToAddress(strings.TrimSpace(c.EngineAddress))
}

// TokenAddresses returns the configured collateral token addresses in
// declaration order.
func (c *Config) TokenAddresses() []common.Address {
	tokens := make([]common.Address, 0, len(c.Assets))
	for _, asset := range c.Assets {
		tokens = append(tokens, common.HexToAddress(strings.TrimSpace(asset.Token)))
	}
	return tokens
}

// FeedAddresses returns the configured price feed addresses in declaration
// order, paired 1:1 with TokenAddresses.
func (c *Config) FeedAddresses() []common.Address {
	feeds := make([]common.Address, 0, len(c.Assets))
	for _, asset := range c.Assets {
		feeds = append(feeds, common.HexToAddress(strings.TrimSpace(asset.Feed)))
	}
	return feeds
}

// MustAddress parses a hex address previously accepted by Validate.
func (c *Config) MustAddress(value string) common.Address {
	return common.HexToAddress(strings.TrimSpace(value))
}

const defaultConfigTemplate = `# vaultd configuration

RPCAddress = "127.0.0.1:8645"
DataDir = "./vaultd-data"

# Identity the engine uses when holding collateral and minting the issued token.
EngineAddress = "0x000000000000000000000000000000000000da7a"

[[assets]]
Symbol = "WETH"
Token = "0x0000000000000000000000000000000000000e71"
Feed = "0x0000000000000000000000000000000000000f71"
FeedDecimals = 8

[[assets]]
Symbol = "WBTC"
Token = "0x0000000000000000000000000000000000000e72"
Feed = "0x0000000000000000000000000000000000000f72"
FeedDecimals = 8
`

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0o644); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if _, err := toml.Decode(defaultConfigTemplate, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
