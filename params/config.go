// Package params holds daemon configuration: compiled-in defaults, an
// optional TOML file, and environment-variable overrides, applied in that
// order.
package params

import (
	"io/ioutil"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

const (
	DefaultWebhookAddr       = ":8080"
	DefaultAdminAddr         = ":8081"
	DefaultWorkers           = 4
	DefaultMaxDestinations   = 10
	DefaultRebalanceInterval = 30 * time.Second
	DefaultPollInterval      = 15 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultCallbackBound     = 30 * time.Minute
	DefaultDeadLetterTTL     = 7 * 24 * time.Hour
	DefaultMarkerTTL         = 24 * time.Hour
	DefaultPurchaseTTL       = 30 * time.Minute
	DefaultEarmarkTTL        = 24 * time.Hour
	DefaultInvoiceAge        = 10 * time.Minute
	DefaultRetryBase         = 5 * time.Second
	DefaultRetryMax          = 10 * time.Minute
)

// AssetConfig describes one asset of a chain.
type AssetConfig struct {
	Symbol     string
	TickerHash string
	Address    string
	Decimals   int
	XERC20     bool
}

// ChainConfig describes one monitored chain.
type ChainConfig struct {
	Providers  []string
	Assets     []AssetConfig
	SafeModule string // policy module address, empty when unused
}

// RouteConfig is one maintenance route for threshold rebalancing; Via, when
// set, splits the transfer into two legs through an intermediate chain.
type RouteConfig struct {
	Origin       uint64
	Destination  uint64
	Via          uint64 // 0 = direct
	TickerHash   string
	Maximum      string // origin balance above this triggers a transfer
	Reserve      string // balance left behind; empty = Maximum
	SlippageDbps []int64
	Preferences  []string // bridge tags, walked in order
}

// KafkaConfig configures the optional kafka event source.
type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	GroupID         string
	InvoiceTopic    string
	SettlementTopic string
}

// Config is the full daemon configuration.
type Config struct {
	RedisHost string
	RedisPort int

	DatabaseURL string

	SignerURL     string
	SignerAddress string

	EverclearAPIURL string

	AdminToken   string
	WebhookToken string
	AdminAddr    string
	WebhookAddr  string

	SupportedSettlementDomains []uint64
	SupportedAssetSymbols      []string

	Workers           int
	MaxDestinations   int
	InvoiceAge        time.Duration
	RebalanceInterval time.Duration
	PollInterval      time.Duration
	HTTPTimeout       time.Duration
	CallbackPollBound time.Duration
	DeadLetterTTL     time.Duration
	MarkerTTL         time.Duration
	PurchaseTTL       time.Duration
	EarmarkTTL        time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration

	// MinRebalanceAmounts is keyed by ticker hash, values in 18-decimal
	// canonical units as decimal strings.
	MinRebalanceAmounts map[string]string

	// Chains is keyed by decimal chain id. TOML table keys are strings, so
	// the id stays a string here and is parsed at the lookup sites.
	Chains map[string]ChainConfig
	Routes []RouteConfig
	Kafka  KafkaConfig
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		RedisHost:           "localhost",
		RedisPort:           6379,
		AdminAddr:           DefaultAdminAddr,
		WebhookAddr:         DefaultWebhookAddr,
		Workers:             DefaultWorkers,
		MaxDestinations:     DefaultMaxDestinations,
		InvoiceAge:          DefaultInvoiceAge,
		RebalanceInterval:   DefaultRebalanceInterval,
		PollInterval:        DefaultPollInterval,
		HTTPTimeout:         DefaultHTTPTimeout,
		CallbackPollBound:   DefaultCallbackBound,
		DeadLetterTTL:       DefaultDeadLetterTTL,
		MarkerTTL:           DefaultMarkerTTL,
		PurchaseTTL:         DefaultPurchaseTTL,
		EarmarkTTL:          DefaultEarmarkTTL,
		RetryBase:           DefaultRetryBase,
		RetryMax:            DefaultRetryMax,
		MinRebalanceAmounts: map[string]string{},
		Chains:              map[string]ChainConfig{},
	}
}

// LoadFile overlays a TOML file onto the config.
func (c *Config) LoadFile(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// LoadEnv overlays environment variables onto the config. Unset variables
// leave the current value untouched.
func (c *Config) LoadEnv() error {
	setString(&c.RedisHost, "REDIS_HOST")
	if v := os.Getenv("REDIS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "REDIS_PORT")
		}
		c.RedisPort = p
	}
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SignerURL, "SIGNER_URL")
	setString(&c.SignerAddress, "SIGNER_ADDRESS")
	setString(&c.EverclearAPIURL, "EVERCLEAR_API_URL")
	setString(&c.AdminToken, "ADMIN_TOKEN")
	setString(&c.WebhookToken, "WEBHOOK_TOKEN")

	if v := os.Getenv("SUPPORTED_SETTLEMENT_DOMAINS"); v != "" {
		domains, err := parseUintList(v)
		if err != nil {
			return errors.Wrap(err, "SUPPORTED_SETTLEMENT_DOMAINS")
		}
		c.SupportedSettlementDomains = domains
	}
	if v := os.Getenv("SUPPORTED_ASSET_SYMBOLS"); v != "" {
		c.SupportedAssetSymbols = splitList(v)
	}
	if v := os.Getenv("INVOICE_AGE"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "INVOICE_AGE")
		}
		c.InvoiceAge = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "WORKERS")
		}
		c.Workers = n
	}

	// Per-chain provider lists: CHAIN_<id>_PROVIDERS=url1,url2
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "CHAIN_") || !strings.HasSuffix(key, "_PROVIDERS") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(key, "CHAIN_"), "_PROVIDERS")
		if _, err := strconv.ParseUint(idStr, 10, 64); err != nil {
			continue
		}
		cc := c.Chains[idStr]
		cc.Providers = splitList(val)
		c.Chains[idStr] = cc
	}
	return nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.RedisHost == "":
		return errors.New("config: redis host required")
	case c.DatabaseURL == "":
		return errors.New("config: database url required")
	case c.EverclearAPIURL == "":
		return errors.New("config: everclear api url required")
	case c.SignerURL == "" || c.SignerAddress == "":
		return errors.New("config: signer url and address required")
	case c.Workers < 1:
		return errors.New("config: at least one worker required")
	}
	for _, r := range c.Routes {
		if _, ok := new(big.Int).SetString(r.Maximum, 10); !ok {
			return errors.Errorf("config: route %d->%d has invalid maximum %q", r.Origin, r.Destination, r.Maximum)
		}
		if r.Reserve != "" {
			if _, ok := new(big.Int).SetString(r.Reserve, 10); !ok {
				return errors.Errorf("config: route %d->%d has invalid reserve %q", r.Origin, r.Destination, r.Reserve)
			}
		}
	}
	return nil
}

// RedisAddr joins host and port for the redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + strconv.Itoa(c.RedisPort)
}

// MinRebalance returns the configured floor for the ticker, zero when unset.
func (c *Config) MinRebalance(tickerHash string) *big.Int {
	if s, ok := c.MinRebalanceAmounts[strings.ToLower(tickerHash)]; ok {
		if v, ok := new(big.Int).SetString(s, 10); ok {
			return v
		}
	}
	return new(big.Int)
}

// Asset looks up the asset config for a ticker hash on a chain.
func (c *Config) Asset(chainID uint64, tickerHash string) (*AssetConfig, bool) {
	cc, ok := c.Chains[strconv.FormatUint(chainID, 10)]
	if !ok {
		return nil, false
	}
	for i := range cc.Assets {
		if strings.EqualFold(cc.Assets[i].TickerHash, tickerHash) {
			return &cc.Assets[i], true
		}
	}
	return nil, false
}

// XERC20Only reports whether the ticker is only available as an XERC20 on
// the chain. Invoices whose destinations are all XERC20-only cannot be
// purchased.
func (c *Config) XERC20Only(chainID uint64, tickerHash string) bool {
	a, ok := c.Asset(chainID, tickerHash)
	return ok && a.XERC20
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseUintList(v string) ([]uint64, error) {
	var out []uint64
	for _, p := range splitList(v) {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
