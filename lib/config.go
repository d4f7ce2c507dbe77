package lib

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' global configurations of each module of the node */

const (
	// GLOBAL CONSTANTS
	DefaultNetworkID = uint64(1) // the identifier of the default development network
)

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json"        // the file path for the node configuration
	ValKeyPath     = "validator_key.json" // the file path for the node's private key
	GenesisPath    = "genesis.json"       // the file path for the epoch 0 committee assignment
)

// Config is the structure of the user configuration options for a validator node
type Config struct {
	MainConfig      // main options spanning over all modules
	ConsensusConfig // bft options
	RegistryConfig  // epoch and shard registry options
	ForeignConfig   // cross shard reconciliation options
	StoreConfig     // persistence options
	MetricsConfig   // telemetry options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:      DefaultMainConfig(),
		ConsensusConfig: DefaultConsensusConfig(),
		RegistryConfig:  DefaultRegistryConfig(),
		ForeignConfig:   DefaultForeignConfig(),
		StoreConfig:     DefaultStoreConfig(),
		MetricsConfig:   DefaultMetricsConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel  string `json:"logLevel"`  // any level includes the levels above it: debug < info < warning < error
	NetworkID uint64 `json:"networkID"` // the identifier of the network, part of every block hash
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel:  "info",           // everything but debug is the default
		NetworkID: DefaultNetworkID, // the development network
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// CONSENSUS CONFIG BELOW

// QuorumRule selects how the 2/3 threshold is rounded
type QuorumRule string

const (
	// QuorumStrict requires strictly more than two thirds: floor(2*total/3)+1
	QuorumStrict QuorumRule = "strict"
	// QuorumInclusive requires at least two thirds: 3*weight >= 2*total
	QuorumInclusive QuorumRule = "inclusive"
)

// ParseQuorumRule() validates a configured rule, an empty rule is strict
func ParseQuorumRule(s string) (QuorumRule, ErrorI) {
	switch QuorumRule(strings.ToLower(s)) {
	case "", QuorumStrict:
		return QuorumStrict, nil
	case QuorumInclusive:
		return QuorumInclusive, nil
	default:
		return "", ErrInvalidQuorumRule(s)
	}
}

// Threshold() returns the minimum weight that forms a quorum of total
func (q QuorumRule) Threshold(total uint64) uint64 {
	if q == QuorumInclusive {
		// ceil(2*total/3)
		return (2*total + 2) / 3
	}
	return (2*total)/3 + 1
}

// Reached() returns true if weight is a quorum of total
func (q QuorumRule) Reached(weight, total uint64) bool {
	if total == 0 {
		return false
	}
	return weight >= q.Threshold(total)
}

// ConsensusConfig defines the pacemaker timing and block limits of the HotStuff engine
// NOTES:
// - a round that sees no progress times out after RoundTimeoutMS, each further consecutive timeout
//   multiplies the wait by TimeoutMultiplier until MaxRoundTimeoutMS
// - any progress (a new QC or a commit) resets the wait to RoundTimeoutMS
type ConsensusConfig struct {
	RoundTimeoutMS    int     `json:"roundTimeoutMS"`    // the initial wait (in milliseconds) for a proposal or a quorum before the view is changed
	TimeoutMultiplier float64 `json:"timeoutMultiplier"` // the growth factor of consecutive timeouts
	MaxRoundTimeoutMS int     `json:"maxRoundTimeoutMS"` // the cap (in milliseconds) of the grown timeout
	QuorumRule        string  `json:"quorumRule"`        // 'strict' (> 2/3) or 'inclusive' (>= 2/3)
	MaxBlockCommands  int     `json:"maxBlockCommands"`  // max commands a leader places in one block
	MaxBlockBytes     uint64  `json:"maxBlockBytes"`     // max encoded size of a proposed block
	LookbackWindow    int     `json:"lookbackWindow"`    // number of committed blocks kept in memory after pruning
	PendingBlockLimit int     `json:"pendingBlockLimit"` // max blocks held while waiting for an unknown parent
	InboxSize         int     `json:"inboxSize"`         // buffered capacity of each engine's inbound queue
}

// DefaultConsensusConfig() configures the pacemaker
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		RoundTimeoutMS:    2000,                   // 2 seconds
		TimeoutMultiplier: 2.0,                    // double on each consecutive timeout
		MaxRoundTimeoutMS: 60000,                  // 1 minute
		QuorumRule:        string(QuorumStrict),   // strictly more than 2/3
		MaxBlockCommands:  1000,                   // 1000 commands per block
		MaxBlockBytes:     uint64(4 * units.MB),   // 4 MB max block size
		LookbackWindow:    100,                    // keep the last 100 committed blocks
		PendingBlockLimit: 256,                    // hold at most 256 orphan blocks
		InboxSize:         1024,                   // 1024 queued messages per engine
	}
}

// RoundTimeout() returns the initial round timeout as a duration
func (c *ConsensusConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutMS) * time.Millisecond
}

// MaxRoundTimeout() returns the timeout cap as a duration
func (c *ConsensusConfig) MaxRoundTimeout() time.Duration {
	return time.Duration(c.MaxRoundTimeoutMS) * time.Millisecond
}

// GetQuorumRule() parses the configured rule, falling back to strict on a bad value
func (c *ConsensusConfig) GetQuorumRule() QuorumRule {
	rule, err := ParseQuorumRule(c.QuorumRule)
	if err != nil {
		return QuorumStrict
	}
	return rule
}

// REGISTRY CONFIG BELOW

// RegistryConfig bounds the epoch history the registry retains
type RegistryConfig struct {
	EpochHistory int    `json:"epochHistory"` // number of past snapshots kept to verify certificates from recent epochs
	EpochWindow  uint64 `json:"epochWindow"`  // how far (in epochs) a message epoch may differ from the current epoch
}

// DefaultRegistryConfig() returns the developer set registry options
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		EpochHistory: 16, // keep 16 snapshots
		EpochWindow:  10, // +/- 10 epochs
	}
}

// FOREIGN CONFIG BELOW

// ForeignConfig configures cross shard reconciliation
type ForeignConfig struct {
	DisputeAfter uint64 `json:"disputeAfter"` // epochs a provisional command may wait for its foreign groups before it is disputed
}

// DefaultForeignConfig() returns the developer set reconciliation options
func DefaultForeignConfig() ForeignConfig {
	return ForeignConfig{
		DisputeAfter: 2, // 2 epochs
	}
}

// STORE CONFIG BELOW

// StoreConfig is user configurations for the key value database
type StoreConfig struct {
	DataDirPath string `json:"dataDirPath"` // path of the designated folder where the application stores its data
	DBName      string `json:"dbName"`      // name of the database
	InMemory    bool   `json:"inMemory"`    // non-disk database, only for testing
}

// DefaultDataDirPath() is $USERHOME/.dan
func DefaultDataDirPath() string {
	// get the user home
	home, err := os.UserHomeDir()
	// if unable to get the user home
	if err != nil {
		// fatal error
		panic(err)
	}
	// exit with full default data directory path
	return filepath.Join(home, ".dan")
}

// DefaultStoreConfig() returns the developer recommended store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DataDirPath: DefaultDataDirPath(), // use the default data dir path
		DBName:      "consensus",          // 'consensus' database name
		InMemory:    false,                // persist to disk, not memory
	}
}

// METRICS CONFIG BELOW

// MetricsConfig represents the configuration for the metrics server
type MetricsConfig struct {
	Enabled           bool   `json:"enabled"`           // if the metrics are enabled
	PrometheusAddress string `json:"prometheusAddress"` // the address of the server
}

// DefaultMetricsConfig() returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:           false,          // disabled by default
		PrometheusAddress: "0.0.0.0:9090", // the default prometheus address
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filepath string) error {
	// convert the config to indented 'pretty' json bytes
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	// if an error occurred during the conversion
	if err != nil {
		// exit with error
		return err
	}
	// write the config.json file to the data directory
	return os.WriteFile(filepath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file
func NewConfigFromFile(filepath string) (Config, error) {
	// read the file into bytes using
	fileBytes, err := os.ReadFile(filepath)
	// if an error occurred
	if err != nil {
		// exit with error
		return Config{}, err
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	// populate the default config with the file bytes
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		// exit with error
		return Config{}, err
	}
	// reject an unknown quorum rule early
	if _, e := ParseQuorumRule(c.QuorumRule); e != nil {
		return Config{}, e
	}
	// exit
	return c, nil
}
