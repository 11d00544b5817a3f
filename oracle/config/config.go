package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/gagliardetto/solana-go"
	"github.com/pelletier/go-toml/v2"
)

var home = flag.String("home", homeDir(), "feed push daemon home directory")

var globalConfig configData

type configData struct {
	Chain       chainConfig       `toml:"chain"`
	Key         keyConfig         `toml:"key"`
	Switchboard switchboardConfig `toml:"switchboard"`
	Rate        rateConfig        `toml:"rate"`
	Submit      submitConfig      `toml:"submit"`
}

type chainConfig struct {
	Endpoint string `toml:"endpoint"`
}

type keyConfig struct {
	KeypairPath string `toml:"keypair_path"`
}

type switchboardConfig struct {
	Feed     string `toml:"feed"`
	Queue    string `toml:"queue"`
	Crossbar string `toml:"crossbar"`
	Mode     string `toml:"mode"`
}

type rateConfig struct {
	Capacity int   `toml:"capacity"`
	Interval int64 `toml:"interval"`
}

type submitConfig struct {
	Interval int64 `toml:"interval"`
}

// Submission modes. Consensus submits one aggregated instruction pair, Submissions
// submits one record per responding oracle.
const (
	ModeConsensus   = "consensus"
	ModeSubmissions = "submissions"
)

func Load() {
	flag.Parse()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefaultConfig(path); err != nil {
			log.Fatalf("Failed to create default config: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	if err := toml.Unmarshal(data, &globalConfig); err != nil {
		log.Fatalf("Failed to parse TOML: %v", err)
	}

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Infof("Loaded config from %s", path)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}

	return filepath.Join(home, ".feedpushd")
}

func createDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	osHome, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	globalConfig = configData{
		Chain: chainConfig{
			Endpoint: "https://api.mainnet-beta.solana.com",
		},
		Key: keyConfig{
			KeypairPath: filepath.Join(osHome, ".config", "solana", "id.json"),
		},
		Switchboard: switchboardConfig{
			Feed:     "6CyMpkE6kb1MkcxhNH5PM7wAPwm2Agu2P4Qa51nQgWfi",
			Queue:    "A43DyUGA7s8eXPxqEjJY6EBu1KKbNgfxF8h17VAHn13w",
			Crossbar: "https://crossbar.switchboard.xyz",
			Mode:     ModeConsensus,
		},
		Rate: rateConfig{
			Capacity: 15,
			Interval: 15,
		},
		Submit: submitConfig{
			Interval: 0,
		},
	}

	data, err := toml.Marshal(globalConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig() error {
	if globalConfig.Chain.Endpoint == "" {
		return fmt.Errorf("chain endpoint is required")
	}

	if globalConfig.Key.KeypairPath == "" {
		return fmt.Errorf("keypair path is required")
	}

	if _, err := solana.PublicKeyFromBase58(globalConfig.Switchboard.Feed); err != nil {
		return fmt.Errorf("invalid feed pubkey: %w", err)
	}

	if _, err := solana.PublicKeyFromBase58(globalConfig.Switchboard.Queue); err != nil {
		return fmt.Errorf("invalid queue pubkey: %w", err)
	}

	if globalConfig.Switchboard.Crossbar == "" {
		return fmt.Errorf("crossbar url is required")
	}

	if globalConfig.Switchboard.Mode != ModeConsensus && globalConfig.Switchboard.Mode != ModeSubmissions {
		return fmt.Errorf("invalid submission mode: %s", globalConfig.Switchboard.Mode)
	}

	if globalConfig.Rate.Capacity <= 0 {
		return fmt.Errorf("rate capacity is required")
	}

	if globalConfig.Rate.Interval <= 0 {
		return fmt.Errorf("rate interval is required")
	}

	if globalConfig.Submit.Interval < 0 {
		return fmt.Errorf("submit interval must not be negative")
	}

	return nil
}

func Print() {
	log.Infof("%-15s: %s", "Home", Home())
	log.Infof("%-15s: %s", "Chain Endpoint", Endpoint())
	log.Infof("%-15s: %s", "Keypair Path", KeypairPath())
	log.Infof("%-15s: %s", "Feed", FeedKey())
	log.Infof("%-15s: %s", "Queue", QueueKey())
	log.Infof("%-15s: %s", "Crossbar", CrossbarURL())
	log.Infof("%-15s: %s", "Mode", Mode())
	log.Infof("%-15s: %d", "Rate Capacity", RateCapacity())
	log.Infof("%-15s: %s", "Rate Interval", RateInterval())
	log.Infof("%-15s: %s", "Submit Interval", SubmitInterval())
}

func Home() string {
	return *home
}

func Endpoint() string {
	return globalConfig.Chain.Endpoint
}

func KeypairPath() string {
	return globalConfig.Key.KeypairPath
}

// Keypair loads the signing identity from the configured key file. A missing
// or unreadable key file is an unrecoverable startup failure for callers.
func Keypair() (solana.PrivateKey, error) {
	keypair, err := solana.PrivateKeyFromSolanaKeygenFile(KeypairPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair file %s: %w", KeypairPath(), err)
	}

	return keypair, nil
}

func FeedKey() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(globalConfig.Switchboard.Feed)
}

func QueueKey() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(globalConfig.Switchboard.Queue)
}

func CrossbarURL() string {
	return globalConfig.Switchboard.Crossbar
}

func Mode() string {
	return globalConfig.Switchboard.Mode
}

func RateCapacity() int {
	return globalConfig.Rate.Capacity
}

func RateInterval() time.Duration {
	return time.Duration(globalConfig.Rate.Interval) * time.Second
}

func SubmitInterval() time.Duration {
	return time.Duration(globalConfig.Submit.Interval) * time.Second
}

func SetForTesting(endpoint, keypairPath, feed, queue, crossbar, mode string, rateCapacity int, rateInterval, submitInterval int64) {
	globalConfig = configData{
		Chain: chainConfig{
			Endpoint: endpoint,
		},
		Key: keyConfig{
			KeypairPath: keypairPath,
		},
		Switchboard: switchboardConfig{
			Feed:     feed,
			Queue:    queue,
			Crossbar: crossbar,
			Mode:     mode,
		},
		Rate: rateConfig{
			Capacity: rateCapacity,
			Interval: rateInterval,
		},
		Submit: submitConfig{
			Interval: submitInterval,
		},
	}
}
