package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Debug     DebugConfig     `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Connector ConnectorConfig `yaml:"connector"`
	Storage   StorageConfig   `yaml:"storage"`
	Messaging MessagingConfig `yaml:"messaging"`
	Chains    ChainsConfig    `yaml:"chains"`
	Peers     []PeerConfig    `yaml:"peers"`
	Routes    []RouteConfig   `yaml:"routes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port" envconfig:"DEBUG_PORT"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listenAddress" envconfig:"BTP_SERVER_ADDRESS"`
	ListenPort    uint   `yaml:"port" envconfig:"BTP_SERVER_PORT"`
}

type ConnectorConfig struct {
	// Address is this connector's own ILP address
	Address string `yaml:"address" envconfig:"CONNECTOR_ADDRESS"`
	// FeeBasisPoints is the per-hop forwarding fee in basis points
	// (10 = 0.1%)
	FeeBasisPoints uint64 `yaml:"feeBasisPoints" envconfig:"CONNECTOR_FEE_BASIS_POINTS"`
	// MinForwardedAmount rejects forwards whose post-fee amount falls below it
	MinForwardedAmount uint64        `yaml:"minForwardedAmount" envconfig:"CONNECTOR_MIN_FORWARDED_AMOUNT"`
	MaxHoldTime        time.Duration `yaml:"maxHoldTime" envconfig:"CONNECTOR_MAX_HOLD_TIME"`
	MinHoldTime        time.Duration `yaml:"minHoldTime" envconfig:"CONNECTOR_MIN_HOLD_TIME"`
}

type StorageConfig struct {
	Directory string `yaml:"dir" envconfig:"STORAGE_DIR"`
}

type MessagingConfig struct {
	Enabled       bool `yaml:"enabled" envconfig:"ENABLE_PRIVATE_MESSAGING"`
	GatewayPort   uint `yaml:"gatewayPort" envconfig:"MESSAGING_GATEWAY_PORT"`
	WebsocketPort uint `yaml:"websocketPort" envconfig:"MESSAGING_WEBSOCKET_PORT"`
	// MaxSubscriptionsPerPeer caps concurrent event subscriptions per peer
	MaxSubscriptionsPerPeer int `yaml:"maxSubscriptionsPerPeer" envconfig:"MESSAGING_MAX_SUBSCRIPTIONS"`
}

type ChainsConfig struct {
	Evm   EvmChainConfig   `yaml:"evm"`
	Xrp   XrpChainConfig   `yaml:"xrp"`
	Aptos AptosChainConfig `yaml:"aptos"`
}

type EvmChainConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"EVM_ENABLED"`
	ChainId    int64  `yaml:"chainId" envconfig:"EVM_CHAIN_ID"`
	PrivateKey string `yaml:"privateKey" envconfig:"EVM_PRIVATE_KEY"`
}

type XrpChainConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"XRP_ENABLED"`
	PrivateKey string `yaml:"privateKey" envconfig:"XRP_PRIVATE_KEY"`
}

type AptosChainConfig struct {
	Enabled    bool   `yaml:"enabled" envconfig:"APTOS_ENABLED"`
	PrivateKey string `yaml:"privateKey" envconfig:"APTOS_PRIVATE_KEY"`
}

type PeerConfig struct {
	Id        string              `yaml:"id"`
	Url       string              `yaml:"url"`
	AuthToken string              `yaml:"authToken"`
	Channels  []PeerChannelConfig `yaml:"channels"`
}

// PeerChannelConfig describes one payment channel shared with a peer:
// where our claims settle and which key the peer signs its claims with
type PeerChannelConfig struct {
	Chain     string `yaml:"chain"` // evm, xrp, aptos
	ChannelId string `yaml:"channelId"`
	// Signer is the peer's claim-signing identity: an address for EVM,
	// an Ed25519 public key for XRP and Aptos
	Signer string `yaml:"signer"`
	// Deposit is the amount locked on chain for this channel. Inbound
	// claims above it are rejected. Zero leaves the channel unbounded.
	Deposit uint64 `yaml:"deposit"`
}

type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	NextHop  string `yaml:"nextHop"`
	Priority int    `yaml:"priority"`
}

// Singleton config instance with default values
var globalConfig = &Config{
	Logging: LoggingConfig{
		Level: "info",
	},
	Debug: DebugConfig{
		ListenAddress: "localhost",
		ListenPort:    0,
	},
	Server: ServerConfig{
		ListenAddress: "0.0.0.0",
		ListenPort:    3000,
	},
	Connector: ConnectorConfig{
		FeeBasisPoints:     10,
		MinForwardedAmount: 1,
		MaxHoldTime:        30 * time.Second,
		MinHoldTime:        1 * time.Second,
	},
	Storage: StorageConfig{
		Directory: "./.ilpd",
	},
	Messaging: MessagingConfig{
		GatewayPort:             8090,
		WebsocketPort:           8091,
		MaxSubscriptionsPerPeer: 10,
	},
}

func Load(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %s", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %s", err)
		}
	}
	// Load config values from environment variables
	// We use "dummy" as the app name here to (mostly) prevent picking up env
	// vars that we hadn't explicitly specified in annotations above
	err := envconfig.Process("dummy", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %s", err)
	}
	if globalConfig.Connector.Address != "" &&
		!strings.HasPrefix(globalConfig.Connector.Address, "g") {
		return nil, fmt.Errorf(
			"connector address must use the global allocation scheme: %s",
			globalConfig.Connector.Address,
		)
	}
	if globalConfig.Connector.FeeBasisPoints >= 10_000 {
		return nil, fmt.Errorf(
			"connector fee must be below 10000 basis points: %d",
			globalConfig.Connector.FeeBasisPoints,
		)
	}
	return globalConfig, nil
}

// PeerSecret returns the shared BTP secret expected from a peer, taken from
// the BTP_PEER_<PEER_ID>_SECRET environment variable. Peer IDs are
// upper-cased and dashes become underscores.
func (cfg *Config) PeerSecret(peerId string) string {
	envName := fmt.Sprintf(
		"BTP_PEER_%s_SECRET",
		strings.ToUpper(strings.ReplaceAll(peerId, "-", "_")),
	)
	return os.Getenv(envName)
}

// Return global config instance
func GetConfig() *Config {
	return globalConfig
}
