// Package config loads the bridge's Configuration from the environment,
// the only part of the core spec.md §6 allows to read environment
// variables directly ("no environment variables are consulted by the
// core" — only this package and cmd/bridged's main() touch os.Getenv,
// everything below bridge.Init receives values explicitly). Grounded on
// Fantasim-hdpay's internal/config/config.go: envconfig.Process over a
// struct of `envconfig:"..." default:"..."` tags, an optional .env file
// loaded first via joho/godotenv, and a Validate() pass before use.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/common"
)

// Configuration is the bridge-relay process's complete environment-driven
// configuration (SPEC_FULL.md §A). Every field here is read exactly once,
// at process start, and threaded explicitly into bridge.Init and the
// pipeline constructors — no other package calls os.Getenv.
type Configuration struct {
	DBPath string `envconfig:"BRIDGE_DB_PATH" default:"./data/bridge.sqlite3"`
	Port   int    `envconfig:"BRIDGE_PORT" default:"8080"`

	Network string `envconfig:"BRIDGE_NETWORK" default:"regtest"` // mainnet | testnet | regtest
	Asset   string `envconfig:"BRIDGE_ASSET" required:"true"`     // btc | brc20 | rune | ordinal

	EvmRpcURL      string `envconfig:"BRIDGE_EVM_RPC_URL" required:"true"`
	BridgeContract string `envconfig:"BRIDGE_CONTRACT_ADDRESS" required:"true"`
	DstToken       string `envconfig:"BRIDGE_DST_TOKEN_ADDRESS" required:"true"`
	Admin          string `envconfig:"BRIDGE_ADMIN_ADDRESS" required:"true"`
	AdminAPIKey    string `envconfig:"BRIDGE_ADMIN_API_KEY" required:"true"`

	IndexerURL       string  `envconfig:"BRIDGE_INDEXER_URL" required:"true"`
	IndexerRateLimit float64 `envconfig:"BRIDGE_INDEXER_RATE_LIMIT" default:"5"`
	EsploraURL       string  `envconfig:"BRIDGE_ESPLORA_URL" required:"true"`

	MinConfirmations uint64 `envconfig:"BRIDGE_MIN_CONFIRMATIONS" default:"1"`
	DepositFeeSat    int64  `envconfig:"BRIDGE_DEPOSIT_FEE_SAT" default:"2000"`
	LedgerFeeSat     int64  `envconfig:"BRIDGE_LEDGER_FEE_SAT" default:"0"`
	DustSat          int64  `envconfig:"BRIDGE_DUST_SAT" default:"546"`
	GasLimit         uint64 `envconfig:"BRIDGE_GAS_LIMIT" default:"300000"`

	// SigningStrategy selects the signerkey backend: "local" derives keys
	// from Mnemonic via SLIP-10; "threshold" delegates to an external
	// service at ThresholdURL (spec.md §4.3).
	SigningStrategy string `envconfig:"BRIDGE_SIGNING_STRATEGY" default:"local"`
	Mnemonic        string `envconfig:"BRIDGE_MNEMONIC"`
	SignerPath      string `envconfig:"BRIDGE_SIGNER_PATH" default:"bridge/mint-signer"`
	ThresholdURL    string `envconfig:"BRIDGE_THRESHOLD_URL"`
	ThresholdKeyID  string `envconfig:"BRIDGE_THRESHOLD_KEY_ID"`
	// ThresholdEncryptionKey is a 32-byte AES-256 key, hex-encoded, used to
	// encrypt signing-request audit records at rest while a request to the
	// threshold service is in flight (signerkey.ThresholdSigner).
	ThresholdEncryptionKey string `envconfig:"BRIDGE_THRESHOLD_ENCRYPTION_KEY"`

	LogLevel string `envconfig:"BRIDGE_LOG_LEVEL" default:"info"`
}

// Load reads a .env file if present (real environment variables still
// take precedence, matching godotenv's non-overriding semantics) then
// processes Configuration from the environment and validates it.
func Load() (*Configuration, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			logger.Printf("config.Load: failed to load .env: %v", err)
		} else {
			logger.Printf("config.Load: loaded .env")
		}
	}

	var cfg Configuration
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig's struct tags cannot express on their
// own: enum membership and cross-field consistency (spec.md §7
// "Configuration (bad URL, wrong admin) — yes, fatal").
func (c *Configuration) Validate() error {
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("%w: network must be mainnet, testnet or regtest, got %q", ErrInvalidConfiguration, c.Network)
	}
	if c.AssetKind() == common.AssetKindUnknown {
		return fmt.Errorf("%w: asset must be btc, brc20, rune or ordinal, got %q", ErrInvalidConfiguration, c.Asset)
	}
	if len(c.AdminAPIKey) < 16 {
		return fmt.Errorf("%w: BRIDGE_ADMIN_API_KEY must be at least 16 bytes", ErrInvalidConfiguration)
	}
	if c.Network != "regtest" && !strings.HasPrefix(c.IndexerURL, "https://") {
		return fmt.Errorf("%w: indexer_url must be https:// outside regtest, got %q", ErrInvalidConfiguration, c.IndexerURL)
	}
	switch c.SigningStrategy {
	case "local":
		if c.Mnemonic == "" {
			return fmt.Errorf("%w: BRIDGE_MNEMONIC is required for the local signing strategy", ErrInvalidConfiguration)
		}
	case "threshold":
		if c.ThresholdURL == "" || c.ThresholdKeyID == "" {
			return fmt.Errorf("%w: BRIDGE_THRESHOLD_URL and BRIDGE_THRESHOLD_KEY_ID are required for the threshold signing strategy", ErrInvalidConfiguration)
		}
		if len(c.ThresholdEncryptionKey) != 64 {
			return fmt.Errorf("%w: BRIDGE_THRESHOLD_ENCRYPTION_KEY must be a 64-character hex-encoded 32-byte key for the threshold signing strategy", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: signing_strategy must be local or threshold, got %q", ErrInvalidConfiguration, c.SigningStrategy)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfiguration, c.Port)
	}
	return nil
}

// Chain maps Network to the common.Chain tag the rest of the bridge uses.
func (c *Configuration) Chain() common.Chain {
	switch c.Network {
	case "mainnet":
		return common.ChainBitcoin
	case "testnet":
		return common.ChainBitcoinTestnet
	default:
		return common.ChainBitcoinRegtest
	}
}

// AssetKind maps Asset to the common.AssetKind this deployment serves.
// Returns common.AssetKindUnknown for anything unrecognised.
func (c *Configuration) AssetKind() common.AssetKind {
	switch c.Asset {
	case "btc":
		return common.AssetKindNativeBTC
	case "brc20":
		return common.AssetKindBRC20
	case "rune":
		return common.AssetKindRune
	case "ordinal":
		return common.AssetKindOrdinalNFT
	default:
		return common.AssetKindUnknown
	}
}
