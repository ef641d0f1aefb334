// Package config defines all configuration for the trading bot.
// Config is loaded from an optional YAML file (default: configs/config.yaml)
// with BOTTRADER_* environment overrides; the bare environment variables the
// deployment uses (DATABASE_URL, TAKE_PROFIT, ...) take final precedence.
// A .env file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	DryRun     bool            `mapstructure:"dry_run"`
	InDocker   bool            `mapstructure:"in_docker"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Exchange   ExchangeConfig  `mapstructure:"exchange"`
	Trading    TradingConfig   `mapstructure:"trading"`
	Risk       RiskConfig      `mapstructure:"risk"`
	Indicators IndicatorConfig `mapstructure:"indicators"`
	Signals    SignalConfig    `mapstructure:"signals"`
	Recorder   RecorderConfig  `mapstructure:"recorder"`
	Ingest     IngestConfig    `mapstructure:"ingest"`
	Paths      PathsConfig     `mapstructure:"paths"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Ops        OpsConfig       `mapstructure:"ops"`
}

// DatabaseConfig holds Postgres connection settings. URL wins when set;
// otherwise the DSN is assembled from the individual fields.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSL      string `mapstructure:"ssl"` // sslmode: disable, require, verify-full

	MaxOpenConns    int `mapstructure:"max_open_conns"`
	MaxIdleConns    int `mapstructure:"max_idle_conns"`
	LimiterCapacity int `mapstructure:"limiter_capacity"`
}

// DSN returns the connection string for lib/pq.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	ssl := d.SSL
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, ssl)
}

// ExchangeConfig holds exchange endpoints and credentials. APIKey is the
// key name; APISecret is the PEM-encoded private key used to mint JWTs.
type ExchangeConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`

	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// TradingConfig tunes order sizing and the position monitor.
// All *_pct fields are fractions (0.03 = 3%).
type TradingConfig struct {
	Symbols []string `mapstructure:"symbols"` // product ids, e.g. BTC-USD
	Hodl    []string `mapstructure:"hodl"`    // assets never sold

	OrderSize float64 `mapstructure:"order_size"` // quote units per buy
	TakerFee  float64 `mapstructure:"taker_fee"`
	MakerFee  float64 `mapstructure:"maker_fee"`

	TakeProfit   float64 `mapstructure:"take_profit"`
	StopLoss     float64 `mapstructure:"stop_loss"`
	MaxLossPct   float64 `mapstructure:"max_loss_pct"`
	MinProfitPct float64 `mapstructure:"min_profit_pct"`
	HardStopPct  float64 `mapstructure:"hard_stop_pct"`

	TrailingStopEnabled    bool    `mapstructure:"trailing_stop_enabled"`
	TrailingStopATRMult    float64 `mapstructure:"trailing_stop_atr_mult"`
	TrailingActivationPct  float64 `mapstructure:"trailing_activation_pct"`
	TrailingMinDistPct     float64 `mapstructure:"trailing_min_dist_pct"`
	TrailingMaxDistPct     float64 `mapstructure:"trailing_max_dist_pct"`
	SignalExitEnabled      bool    `mapstructure:"signal_exit_enabled"`
	SignalExitMinProfitPct float64 `mapstructure:"signal_exit_min_profit_pct"`

	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	PositionCheckInterval time.Duration `mapstructure:"position_check_interval"`
	BracketTolerancePct   float64       `mapstructure:"bracket_tolerance_pct"`
	DustThreshold         float64       `mapstructure:"dust_threshold"`
}

// RiskConfig tunes the ATR-based take-profit and stop-loss derivation.
// Multipliers scale the ATR fraction into target distances; min_rr raises
// the take-profit leg until the reward covers the risk.
type RiskConfig struct {
	TpATRMult   float64 `mapstructure:"tp_atr_mult"`
	StopATRMult float64 `mapstructure:"stop_atr_mult"`
	MinRR       float64 `mapstructure:"min_rr"`
}

// Hodling reports whether an asset is on the never-sell list.
func (t TradingConfig) Hodling(asset string) bool {
	for _, h := range t.Hodl {
		if strings.EqualFold(h, asset) {
			return true
		}
	}
	return false
}

// IndicatorConfig parametrizes the indicator pipeline windows.
type IndicatorConfig struct {
	BarInterval     time.Duration `mapstructure:"bar_interval"`
	MinRequiredRows int           `mapstructure:"min_required_rows"`

	RSIWindow  int     `mapstructure:"rsi_window"`
	ATRWindow  int     `mapstructure:"atr_window"`
	ROCWindow  int     `mapstructure:"roc_window"`
	MACDFast   int     `mapstructure:"macd_fast"`
	MACDSlow   int     `mapstructure:"macd_slow"`
	MACDSignal int     `mapstructure:"macd_signal"`
	BBWindow   int     `mapstructure:"bb_window"`
	BBStd      float64 `mapstructure:"bb_std"`

	RSIOversold   float64 `mapstructure:"rsi_oversold"`   // buy threshold
	RSIOverbought float64 `mapstructure:"rsi_overbought"` // sell threshold

	ROCBuyThreshold  float64 `mapstructure:"roc_5min_buy_threshold"`
	ROCSellThreshold float64 `mapstructure:"roc_5min_sell_threshold"`
}

// SignalConfig tunes the weighted scoring engine.
type SignalConfig struct {
	ScoreBuyTarget  float64 `mapstructure:"score_buy_target"`
	ScoreSellTarget float64 `mapstructure:"score_sell_target"`

	CooldownBars          int     `mapstructure:"cooldown_bars"`
	FlipHysteresisPct     float64 `mapstructure:"flip_hysteresis_pct"`
	MinIndicatorsRequired int     `mapstructure:"min_indicators_required"`

	// Weights maps indicator names ("Buy RSI", "Sell MACD", ...) to score
	// weights. Missing entries default to 1.0.
	Weights         map[string]float64 `mapstructure:"weights"`
	ExcludedSymbols []string           `mapstructure:"excluded_symbols"`
}

// RecorderConfig bounds the fill queue and the shutdown drain.
type RecorderConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	FifoInterval time.Duration `mapstructure:"fifo_interval"`
}

// IngestConfig tunes stream liveness and reconnects.
type IngestConfig struct {
	WatchdogTimeout  time.Duration `mapstructure:"watchdog_timeout"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	ReconnectMax     int           `mapstructure:"reconnect_max"`
	ReconnectCap     time.Duration `mapstructure:"reconnect_cap"`

	// ReconcileInterval spaces the REST fill backfill sweeps; zero disables
	// them. ReconcileLookback bounds the first sweep's history window.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileLookback time.Duration `mapstructure:"reconcile_lookback"`
}

// PathsConfig sets where runtime data and logs are written.
type PathsConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	CacheDir     string `mapstructure:"cache_dir"`
	LogDir       string `mapstructure:"log_dir"`
	ScoreJSONL   string `mapstructure:"score_jsonl_path"`
	TPSLLog      string `mapstructure:"tp_sl_log_path"`
	ScoreBackups int    `mapstructure:"score_backups"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the health/metrics HTTP server.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from an optional YAML file with env var overrides.
// Order of precedence, lowest to highest: defaults, YAML file, BOTTRADER_*
// variables, bare deployment variables (DATABASE_URL, TAKE_PROFIT, ...).
func Load(path string) (*Config, error) {
	// Best-effort .env discovery; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BOTTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.limiter_capacity", 10)

	v.SetDefault("exchange.rest_base_url", "https://api.coinbase.com")
	v.SetDefault("exchange.ws_market_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("exchange.ws_user_url", "wss://advanced-trade-ws-user.coinbase.com")
	v.SetDefault("exchange.requests_per_second", 10.0)
	v.SetDefault("exchange.timeout", 10*time.Second)

	v.SetDefault("trading.order_size", 100.0)
	v.SetDefault("trading.taker_fee", 0.008)
	v.SetDefault("trading.maker_fee", 0.005)
	v.SetDefault("trading.take_profit", 0.03)
	v.SetDefault("trading.stop_loss", 0.025)
	v.SetDefault("trading.max_loss_pct", 0.025)
	v.SetDefault("trading.min_profit_pct", 0.02)
	v.SetDefault("trading.hard_stop_pct", 0.05)
	v.SetDefault("trading.trailing_stop_enabled", true)
	v.SetDefault("trading.trailing_stop_atr_mult", 2.0)
	v.SetDefault("trading.trailing_activation_pct", 0.035)
	v.SetDefault("trading.trailing_min_dist_pct", 0.01)
	v.SetDefault("trading.trailing_max_dist_pct", 0.02)
	v.SetDefault("trading.signal_exit_enabled", true)
	v.SetDefault("trading.signal_exit_min_profit_pct", 0.01)
	v.SetDefault("trading.sweep_interval", 3*time.Second)
	v.SetDefault("trading.position_check_interval", 30*time.Second)
	v.SetDefault("trading.bracket_tolerance_pct", 0.005)
	v.SetDefault("trading.dust_threshold", 1e-8)

	v.SetDefault("risk.tp_atr_mult", 3.0)
	v.SetDefault("risk.stop_atr_mult", 1.5)
	v.SetDefault("risk.min_rr", 1.2)

	v.SetDefault("indicators.bar_interval", 5*time.Minute)
	v.SetDefault("indicators.min_required_rows", 50)
	v.SetDefault("indicators.rsi_window", 14)
	v.SetDefault("indicators.atr_window", 14)
	v.SetDefault("indicators.roc_window", 12)
	v.SetDefault("indicators.macd_fast", 12)
	v.SetDefault("indicators.macd_slow", 26)
	v.SetDefault("indicators.macd_signal", 9)
	v.SetDefault("indicators.bb_window", 20)
	v.SetDefault("indicators.bb_std", 2.0)
	v.SetDefault("indicators.rsi_oversold", 30.0)
	v.SetDefault("indicators.rsi_overbought", 70.0)
	v.SetDefault("indicators.roc_5min_buy_threshold", 5.0)
	v.SetDefault("indicators.roc_5min_sell_threshold", -2.5)

	v.SetDefault("signals.score_buy_target", 2.0)
	v.SetDefault("signals.score_sell_target", 2.0)
	v.SetDefault("signals.cooldown_bars", 7)
	v.SetDefault("signals.flip_hysteresis_pct", 0.10)
	v.SetDefault("signals.min_indicators_required", 2)

	v.SetDefault("recorder.queue_size", 256)
	v.SetDefault("recorder.drain_timeout", 15*time.Second)
	v.SetDefault("recorder.fifo_interval", 5*time.Minute)

	v.SetDefault("ingest.watchdog_timeout", 60*time.Second)
	v.SetDefault("ingest.watchdog_interval", 5*time.Second)
	v.SetDefault("ingest.reconnect_max", 10)
	v.SetDefault("ingest.reconnect_cap", 60*time.Second)
	v.SetDefault("ingest.reconcile_interval", 15*time.Minute)
	v.SetDefault("ingest.reconcile_lookback", 24*time.Hour)

	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.cache_dir", "cache")
	v.SetDefault("paths.log_dir", "logs")
	v.SetDefault("paths.score_backups", 7)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8900)
}

// applyEnvOverrides maps the deployment's bare variable names onto config
// fields. These win over both the YAML file and BOTTRADER_* variables.
func applyEnvOverrides(c *Config) {
	envString(&c.Database.URL, "DATABASE_URL")
	envString(&c.Database.Host, "DB_HOST")
	envInt(&c.Database.Port, "DB_PORT")
	envString(&c.Database.Name, "DB_NAME")
	envString(&c.Database.User, "DB_USER")
	envString(&c.Database.Password, "DB_PASSWORD")
	envString(&c.Database.SSL, "DB_SSL")

	envString(&c.Exchange.APIKey, "COINBASE_API_KEY")
	envString(&c.Exchange.APISecret, "COINBASE_API_SECRET")
	envString(&c.Exchange.Passphrase, "COINBASE_PASSPHRASE")
	envString(&c.Exchange.WSMarketURL, "WEBSOCKET_API_URL")
	envString(&c.Exchange.WSUserURL, "USER_WEBSOCKET_API_URL")

	envFloat(&c.Trading.TakeProfit, "TAKE_PROFIT")
	envFloat(&c.Trading.StopLoss, "STOP_LOSS")
	envFloat(&c.Trading.MaxLossPct, "MAX_LOSS_PCT")
	envFloat(&c.Trading.MinProfitPct, "MIN_PROFIT_PCT")
	envFloat(&c.Trading.HardStopPct, "HARD_STOP_PCT")
	envBool(&c.Trading.TrailingStopEnabled, "TRAILING_STOP_ENABLED")
	envFloat(&c.Trading.TrailingStopATRMult, "TRAILING_STOP_ATR_MULT")
	envFloat(&c.Trading.TrailingActivationPct, "TRAILING_ACTIVATION_PCT")
	envBool(&c.Trading.SignalExitEnabled, "SIGNAL_EXIT_ENABLED")
	envFloat(&c.Trading.SignalExitMinProfitPct, "SIGNAL_EXIT_MIN_PROFIT_PCT")
	envSeconds(&c.Trading.PositionCheckInterval, "POSITION_CHECK_INTERVAL")
	envList(&c.Trading.Hodl, "HODL")
	envFloat(&c.Trading.OrderSize, "ORDER_SIZE")
	envFloat(&c.Trading.TakerFee, "TAKER_FEE")
	envFloat(&c.Trading.MakerFee, "MAKER_FEE")

	envInt(&c.Indicators.RSIWindow, "RSI_WINDOW")
	envInt(&c.Indicators.ATRWindow, "ATR_WINDOW")
	envInt(&c.Indicators.MACDFast, "MACD_FAST")
	envInt(&c.Indicators.MACDSlow, "MACD_SLOW")
	envInt(&c.Indicators.MACDSignal, "MACD_SIGNAL")
	envInt(&c.Indicators.BBWindow, "BB_WINDOW")
	envFloat(&c.Indicators.BBStd, "BB_STD")
	envFloat(&c.Indicators.RSIOversold, "RSI_OVERSOLD")
	envFloat(&c.Indicators.RSIOverbought, "RSI_OVERBOUGHT")
	envFloat(&c.Indicators.ROCBuyThreshold, "ROC_5MIN_BUY_THRESHOLD")
	envFloat(&c.Indicators.ROCSellThreshold, "ROC_5MIN_SELL_THRESHOLD")

	envFloat(&c.Signals.ScoreBuyTarget, "SCORE_BUY_TARGET")
	envFloat(&c.Signals.ScoreSellTarget, "SCORE_SELL_TARGET")
	envInt(&c.Signals.CooldownBars, "COOLDOWN_BARS")
	envFloat(&c.Signals.FlipHysteresisPct, "FLIP_HYSTERESIS_PCT")
	envInt(&c.Signals.MinIndicatorsRequired, "MIN_INDICATORS_REQUIRED")

	envString(&c.Paths.DataDir, "BOTTRADER_DATA_DIR")
	envString(&c.Paths.CacheDir, "BOTTRADER_CACHE_DIR")
	envString(&c.Paths.LogDir, "BOTTRADER_LOG_DIR")
	envString(&c.Paths.ScoreJSONL, "SCORE_JSONL_PATH")
	envString(&c.Paths.TPSLLog, "TP_SL_LOG_PATH")

	envBool(&c.InDocker, "IN_DOCKER")
	envList(&c.Trading.Symbols, "SYMBOLS")
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1" || v == "yes"
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// Weight returns the configured weight for an indicator name, defaulting
// to 1.0.
func (s SignalConfig) Weight(indicator string) float64 {
	if w, ok := s.Weights[indicator]; ok {
		return w
	}
	return 1.0
}

// Excluded reports whether a symbol is excluded from signal evaluation.
func (s SignalConfig) Excluded(symbol string) bool {
	for _, e := range s.ExcludedSymbols {
		if strings.EqualFold(e, symbol) {
			return true
		}
	}
	return false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required (set COINBASE_API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required (set COINBASE_API_SECRET)")
		}
	}
	if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "") {
		return fmt.Errorf("database requires DATABASE_URL or DB_HOST/DB_NAME/DB_USER")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one product (set SYMBOLS)")
	}
	if c.Trading.OrderSize <= 0 {
		return fmt.Errorf("trading.order_size must be > 0")
	}
	if c.Trading.HardStopPct <= 0 {
		return fmt.Errorf("trading.hard_stop_pct must be > 0")
	}
	if c.Trading.TrailingMinDistPct >= c.Trading.TrailingMaxDistPct {
		return fmt.Errorf("trading.trailing_min_dist_pct must be < trailing_max_dist_pct")
	}
	if c.Indicators.MACDFast >= c.Indicators.MACDSlow {
		return fmt.Errorf("indicators.macd_fast must be < macd_slow")
	}
	if c.Indicators.BBWindow <= 1 {
		return fmt.Errorf("indicators.bb_window must be > 1")
	}
	if c.Signals.ScoreBuyTarget <= 0 || c.Signals.ScoreSellTarget <= 0 {
		return fmt.Errorf("signals.score_buy_target and score_sell_target must be > 0")
	}
	if c.Signals.CooldownBars < 0 {
		return fmt.Errorf("signals.cooldown_bars must be >= 0")
	}
	if c.Signals.MinIndicatorsRequired < 0 {
		return fmt.Errorf("signals.min_indicators_required must be >= 0")
	}
	if c.Database.LimiterCapacity <= 0 {
		return fmt.Errorf("database.limiter_capacity must be > 0")
	}
	return nil
}
