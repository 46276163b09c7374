package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname = ".chand"
	defaultDBFilename  = "channel.db"
	defaultLogLevel    = "info"

	defaultMinDepth         = 3
	defaultFundingTimeout   = 2016
	defaultMaxAcceptedHtlcs = 483
	defaultCsvDelay         = 144
)

// Config holds the daemon's command line and file options.
type Config struct {
	// DataDir is the directory the channel database lives in.
	DataDir string `long:"datadir" description:"The directory to store chand's data within"`

	// DebugLevel sets the global log verbosity.
	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	// Testnet selects the test network instead of mainnet.
	Testnet bool `long:"testnet" description:"Use the test network"`

	// MinDepth is the number of confirmations required on funding
	// transactions we accept.
	MinDepth uint32 `long:"mindepth" description:"Number of confirmations required for incoming channels"`

	// FundingTimeout is the fundee-side grace period, in blocks, before
	// an unconfirmed channel is forgotten.
	FundingTimeout uint32 `long:"fundingtimeout" description:"Blocks to wait for funding confirmation before forgetting a channel"`

	// MaxAcceptedHtlcs caps concurrent HTLCs offered by a channel peer.
	MaxAcceptedHtlcs uint16 `long:"maxacceptedhtlcs" description:"Maximum number of concurrent HTLCs a peer may offer"`

	// CsvDelay is the to_self_delay we demand of channel peers.
	CsvDelay uint16 `long:"csvdelay" description:"Relative delay enforced on the peer's to-self outputs"`

	// Wumbo permits channels above the legacy size cap.
	Wumbo bool `long:"wumbo" description:"Accept channels larger than 0.16777215 BTC"`

	// Cluster holds the leader election settings.
	Cluster ClusterConfig `group:"cluster" namespace:"cluster"`
}

// ClusterConfig configures the single-writer store lease.
type ClusterConfig struct {
	// EnableLeaderElection turns the etcd lease requirement on.
	EnableLeaderElection bool `long:"enable-leader-election" description:"Serialize store access through an etcd leader election"`

	// ID identifies this process in the election.
	ID string `long:"id" description:"Instance id used in the leader election"`

	// EtcdEndpoints are the etcd hosts to dial.
	EtcdEndpoints []string `long:"etcd-endpoint" description:"etcd endpoint (may be specified multiple times)"`

	// ElectionPrefix namespaces the election keys.
	ElectionPrefix string `long:"election-prefix" description:"etcd key prefix for the election"`
}

// DefaultConfig returns the config with all defaults populated.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()

	return Config{
		DataDir:          filepath.Join(home, defaultDataDirname),
		DebugLevel:       defaultLogLevel,
		MinDepth:         defaultMinDepth,
		FundingTimeout:   defaultFundingTimeout,
		MaxAcceptedHtlcs: defaultMaxAcceptedHtlcs,
		CsvDelay:         defaultCsvDelay,
	}
}

// LoadConfig parses the command line into a validated Config.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig enforces option consistency.
func ValidateConfig(cfg *Config) error {
	if cfg.MinDepth == 0 {
		return fmt.Errorf("mindepth must be positive")
	}

	if cfg.Cluster.EnableLeaderElection {
		if len(cfg.Cluster.EtcdEndpoints) == 0 {
			return fmt.Errorf("leader election requires at " +
				"least one etcd endpoint")
		}
		if cfg.Cluster.ID == "" {
			return fmt.Errorf("leader election requires an " +
				"instance id")
		}
		if cfg.Cluster.ElectionPrefix == "" {
			cfg.Cluster.ElectionPrefix = "/chand/leader"
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("unable to create data dir: %w", err)
	}

	return nil
}

// DBPath returns the channel database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}
