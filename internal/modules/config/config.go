package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"spot_agent/internal/helper"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	envPrefix         = "AGENT"
)

// секреты и DSN приходят из окружения под привычными именами
var envBindings = map[string]string{
	"store.dsn":           "DATABASE_DSN",
	"store.redis_addr":    "REDIS_ADDR",
	"exchange.api_key":    "OKX_API_KEY",
	"exchange.api_secret": "OKX_API_SECRET",
	"exchange.passphrase": "OKX_PASSPHRASE",
	"telegram.token":      "TELEGRAM_TOKEN",
	"telegram.chat_id":    "TELEGRAM_CHAT_ID",
}

// Config ...
type Config struct {
	Instruments []string `mapstructure:"instruments" yaml:"instruments" default:"[\"BTC\",\"ETH\",\"XRP\",\"BNB\",\"DOGE\"]" validate:"min=1,dive,required"`
	QuoteAsset  string   `mapstructure:"quote_asset" yaml:"quote_asset" default:"USDT" validate:"required"`

	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Exchange ExchangeConfig `mapstructure:"exchange" yaml:"exchange"`
	Market   MarketConfig   `mapstructure:"market" yaml:"market"`
	Trainer  TrainerConfig  `mapstructure:"trainer" yaml:"trainer"`
	Signals  SignalsConfig  `mapstructure:"signals" yaml:"signals"`
	Trader   TraderConfig   `mapstructure:"trader" yaml:"trader"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Service  ServiceConfig  `mapstructure:"service" yaml:"service"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type StoreConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend" default:"memory" validate:"oneof=memory postgres redis"`
	DSN       string `mapstructure:"dsn" yaml:"dsn" validate:"required_if=Backend postgres"`
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix" default:"agent"`
}

type ExchangeConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode" default:"paper" validate:"oneof=paper okx"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url" default:"https://www.okx.com"`
	APIKey       string        `mapstructure:"api_key" yaml:"-" validate:"required_if=Mode okx"`
	APISecret    string        `mapstructure:"api_secret" yaml:"-" validate:"required_if=Mode okx"`
	Passphrase   string        `mapstructure:"passphrase" yaml:"-" validate:"required_if=Mode okx"`
	PaperBalance float64       `mapstructure:"paper_balance" yaml:"paper_balance" default:"10000" validate:"gte=0"`
	PaperFeePct  float64       `mapstructure:"paper_fee_pct" yaml:"paper_fee_pct" default:"0.1" validate:"gte=0,lt=100"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" default:"10s"`
}

type MarketConfig struct {
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url" default:"https://www.okx.com"`
	WSURL       string        `mapstructure:"ws_url" yaml:"ws_url" default:"wss://ws.okx.com:8443/ws/v5/public"`
	UseStream   bool          `mapstructure:"use_stream" yaml:"use_stream" default:"true"`
	PriceMaxAge time.Duration `mapstructure:"price_max_age" yaml:"price_max_age" default:"15s"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit" default:"8" validate:"gt=0"`
}

type TrainerConfig struct {
	Timeframes          []string      `mapstructure:"timeframes" yaml:"timeframes" default:"[\"1h\",\"2h\",\"4h\",\"8h\",\"12h\",\"1d\",\"1w\"]" validate:"min=1,dive,required"`
	PatternLength       int           `mapstructure:"pattern_length" yaml:"pattern_length" default:"2" validate:"min=1,max=16"`
	HistoryLimit        int           `mapstructure:"history_limit" yaml:"history_limit" default:"1500" validate:"min=10"`
	ThresholdPercentile float64       `mapstructure:"threshold_percentile" yaml:"threshold_percentile" default:"10" validate:"gt=0,lte=100"`
	MinThreshold        float64       `mapstructure:"min_threshold" yaml:"min_threshold" default:"0.01" validate:"gte=0"`
	MaxThreshold        float64       `mapstructure:"max_threshold" yaml:"max_threshold" default:"100" validate:"gtfield=MinThreshold"`
	WeightStep          float64       `mapstructure:"weight_step" yaml:"weight_step" default:"0.25" validate:"gt=0"`
	WeightMin           float64       `mapstructure:"weight_min" yaml:"weight_min" default:"0.05" validate:"gt=0"`
	WeightMax           float64       `mapstructure:"weight_max" yaml:"weight_max" default:"2" validate:"gtfield=WeightMin"`
	StaleAfter          time.Duration `mapstructure:"stale_after" yaml:"stale_after" default:"336h" validate:"gt=0"`
	ParallelTimeframes  int           `mapstructure:"parallel_timeframes" yaml:"parallel_timeframes" default:"1" validate:"min=1"`
	FetchAttempts       int           `mapstructure:"fetch_attempts" yaml:"fetch_attempts" default:"4" validate:"min=1"`
	Interval            time.Duration `mapstructure:"interval" yaml:"interval" default:"1h" validate:"gt=0"`
}

type SignalsConfig struct {
	Window               int           `mapstructure:"window" yaml:"window" default:"10" validate:"min=1"`
	MinEntries           int           `mapstructure:"min_entries" yaml:"min_entries" default:"50" validate:"min=1"`
	DistanceOffsetPct    float64       `mapstructure:"distance_offset_pct" yaml:"distance_offset_pct" default:"0.5" validate:"gte=0"`
	KernelEpsilon        float64       `mapstructure:"kernel_epsilon" yaml:"kernel_epsilon" default:"0.01" validate:"gt=0"`
	LongProfitMarginPct  float64       `mapstructure:"long_profit_margin_pct" yaml:"long_profit_margin_pct" default:"0.25" validate:"gte=0"`
	ShortProfitMarginPct float64       `mapstructure:"short_profit_margin_pct" yaml:"short_profit_margin_pct" default:"0.25" validate:"gte=0"`
	Interval             time.Duration `mapstructure:"interval" yaml:"interval" default:"30s" validate:"gt=0"`
	RequireFreshTraining bool          `mapstructure:"require_fresh_training" yaml:"require_fresh_training" default:"true"`
}

type TraderConfig struct {
	EntryLevel          int           `mapstructure:"entry_level" yaml:"entry_level" default:"3" validate:"min=1,max=7"`
	InitialAllocation   float64       `mapstructure:"initial_allocation" yaml:"initial_allocation" default:"0.005" validate:"gt=0,lte=1"`
	DCALadder           []float64     `mapstructure:"dca_ladder" yaml:"dca_ladder" default:"[-2.5,-5,-10,-20,-30,-40,-50]" validate:"dive,lt=0"`
	DCAMultiplier       float64       `mapstructure:"dca_multiplier" yaml:"dca_multiplier" default:"2" validate:"gte=0"`
	MaxDCAPer24h        int           `mapstructure:"max_dca_per_24h" yaml:"max_dca_per_24h" default:"2" validate:"gte=0"`
	PMNoDCAPct          float64       `mapstructure:"pm_no_dca_pct" yaml:"pm_no_dca_pct" default:"5" validate:"gt=0"`
	PMWithDCAPct        float64       `mapstructure:"pm_with_dca_pct" yaml:"pm_with_dca_pct" default:"2.5" validate:"gt=0"`
	TrailingGapPct      float64       `mapstructure:"trailing_gap_pct" yaml:"trailing_gap_pct" default:"0.5" validate:"gt=0,lt=100"`
	MinUsableTimeframes int           `mapstructure:"min_usable_timeframes" yaml:"min_usable_timeframes" default:"3" validate:"min=0"`
	SignalMaxAge        time.Duration `mapstructure:"signal_max_age" yaml:"signal_max_age" default:"5m"`
	Interval            time.Duration `mapstructure:"interval" yaml:"interval" default:"10s" validate:"gt=0"`
	OrderAttempts       int           `mapstructure:"order_attempts" yaml:"order_attempts" default:"3" validate:"min=1"`
	PriceAttempts       int           `mapstructure:"price_attempts" yaml:"price_attempts" default:"3" validate:"min=1"`
}

type RetryConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial" default:"500ms"`
	Max        time.Duration `mapstructure:"max" yaml:"max" default:"10s"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier" default:"2" validate:"gte=1"`
}

type ServiceConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr" default:":8080"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token" yaml:"-"`
	ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers" yaml:"brokers"`
	SignalsTopic string   `mapstructure:"signals_topic" yaml:"signals_topic" default:"agent.signals"`
	TradesTopic  string   `mapstructure:"trades_topic" yaml:"trades_topic" default:"agent.trades"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host" default:"localhost"`
	Port    int    `mapstructure:"port" yaml:"port" default:"6831"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// Symbol — биржевой тикер инструмента, например BTC -> BTC-USDT.
func (c *Config) Symbol(instrument string) string {
	return helper.Symbol(instrument, c.QuoteAsset)
}

func NewConfig() (*Config, error) {
	// .env не обязателен
	_ = godotenv.Load()

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	dir := os.Getenv(configDirENV)
	if dir == "" {
		dir = "configs"
	}
	return Load(filepath.Join(dir, configFileName))
}

// Load читает YAML, накладывает env и проверяет результат. Пустой path — только дефолты и env.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.Wrap(err, "set defaults")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind env %s", env)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	normalize(cfg)
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	for i, inst := range cfg.Instruments {
		cfg.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}
	cfg.QuoteAsset = strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	for i, tf := range cfg.Trainer.Timeframes {
		cfg.Trainer.Timeframes[i] = helper.NormTF(tf)
	}
}
