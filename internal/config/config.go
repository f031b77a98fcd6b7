// Package config declares every tunable named in the node's external
// interface: peer timeouts, Dandelion parameters, sync quorum, BBS limits,
// and process-level options. Structured the way kaspad's own config package
// flattens CLI flags onto a single struct via go-flags.
package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// TimeoutConfig groups every *_ms / *_s timeout named in spec §6.
type TimeoutConfig struct {
	GetStateMs          int64 `long:"timeout-get-state-ms" default:"5000"`
	GetBlockMs          int64 `long:"timeout-get-block-ms" default:"5000"`
	GetTxMs             int64 `long:"timeout-get-tx-ms" default:"5000"`
	GetBbsMsgMs         int64 `long:"timeout-get-bbs-ms" default:"2000"`
	MiningSoftRestartMs int64 `long:"mining-soft-restart-ms" default:"1000"`
	BbsMessageTimeoutS  int64 `long:"bbs-message-timeout-s" default:"86400"`
	BbsMessageMaxAheadS int64 `long:"bbs-message-max-ahead-s" default:"15"`
	BbsCleanupPeriodMs  int64 `long:"bbs-cleanup-period-ms" default:"60000"`
	TopPeersUpdMs       int64 `long:"top-peers-upd-ms" default:"10000"`
	PeersUpdateMs       int64 `long:"peers-update-ms" default:"60000"`
	PeersDbFlushMs      int64 `long:"peers-db-flush-ms" default:"600000"`
}

// DandelionConfig groups the stem/fluff tunables of spec §4.6 / §6.
type DandelionConfig struct {
	// FluffProbability is compared against a uniform draw over [0, 2^256);
	// stored as the numerator over that denominator, as a big-endian byte
	// string the txpool interprets as an unsigned integer.
	FluffProbabilityHex string `long:"dandelion-fluff-probability" default:"0800000000000000000000000000000000000000000000000000000000000000"`
	TimeoutMinMs        int64  `long:"dandelion-timeout-min-ms" default:"5000"`
	TimeoutMaxMs        int64  `long:"dandelion-timeout-max-ms" default:"10000"`
	AggregationTimeMs   int64  `long:"dandelion-aggregation-time-ms" default:"5000"`
	OutputsMin          int    `long:"dandelion-outputs-min" default:"3"`
	OutputsMax          int    `long:"dandelion-outputs-max" default:"6"`
	DummyLifetimeLo     uint64 `long:"dandelion-dummy-lifetime-lo" default:"720"`
	DummyLifetimeHi     uint64 `long:"dandelion-dummy-lifetime-hi" default:"1440"`
}

// SyncConfig groups the bootstrap-detection tunables of spec §4.5.
type SyncConfig struct {
	SrcPeers    int   `long:"sync-src-peers" default:"5"`
	TimeoutMs   int64 `long:"sync-timeout-ms" default:"60000"`
	ForceResync bool  `long:"sync-force-resync"`
}

// BbsConfig groups BBS channel-balancing tunables.
type BbsConfig struct {
	IdealChannelPopulation uint32 `long:"bbs-ideal-channel-population" default:"200"`
}

// Config is the fully-resolved configuration of a node, matching spec §6's
// Configuration enumeration.
type Config struct {
	DataDir string `short:"d" long:"datadir" description:"Directory to store peers, BBS, dummy and mined-log state"`

	Horizon               uint64 `long:"horizon" default:"1440"`
	VerificationThreads   int    `long:"verification-threads" default:"-1"`
	MiningThreads         int    `long:"mining-threads" default:"0"`
	MaxPoolTransactions   int    `long:"max-pool-transactions" default:"10000"`
	RestrictMinedToOwner  bool   `long:"restrict-mined-report-to-owner"`
	UploadPortion         uint32 `long:"history-compression-upload-portion" default:"0"`
	FakePowSolveTimeMs    int64  `long:"test-fake-pow-solve-time-ms" default:"0"`

	BeaconPort     uint16 `long:"beacon-port" default:"0"`
	BeaconPeriodMs int64  `long:"beacon-period-ms" default:"5000"`

	ListenAddr string   `long:"listen" default:"0.0.0.0:9901"`
	Connect    []string `long:"connect"`
	SocksProxy string   `long:"proxy" description:"SOCKS5 proxy address for outbound peer connections"`

	ControlState string `long:"control-state"`
	WalletKey    string `long:"wallet-key"`
	Treasury     []string `long:"treasury"`

	LogLevel string `long:"log-level" default:"info"`
	LogFile  string `long:"log-file"`

	Timeout   TimeoutConfig
	Dandelion DandelionConfig
	Sync      SyncConfig
	Bbs       BbsConfig
}

// Load parses CLI flags into a Config, the way kaspad's own config.Load
// wraps go-flags. No INI configuration file is read.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = btcutil.AppDataDir("beamnode", false)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}
	return cfg, nil
}

// StorePath is the path of the goleveldb store rooted at DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "state")
}

// MacroblockDir is the per-target-height macroblock shard directory root.
func (c *Config) MacroblockDir() string {
	return filepath.Join(c.DataDir, "macroblocks")
}
