package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config содержит всю конфигурацию приложения
//
// Порядок загрузки: значения по умолчанию → YAML файл (CONFIG_FILE) →
// переменные окружения (.env подхватывается, если есть). Окружение
// имеет приоритет над файлом.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Bot      BotConfig      `yaml:"bot"`
	Grid     GridConfig     `yaml:"grid"`
	Risk     RiskConfig     `yaml:"risk"`
	Profit   ProfitConfig   `yaml:"profit"`
	Signal   SignalConfig   `yaml:"signal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig - HTTP сервер панели управления
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig - настройки подключения к БД
//
// Driver "memory" - без БД, состояние держится в памяти процесса.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// ExchangeConfig - торговая пара и режим биржи
type ExchangeConfig struct {
	Mode string  `yaml:"mode"` // paper
	Pair string  `yaml:"pair"` // BASE/QUOTE
	Name string  `yaml:"name"`
	Step float64 `yaml:"step"` // шаг объема, 0 = без округления

	// Стартовые балансы и цена paper-биржи
	PaperQuoteBalance float64 `yaml:"paper_quote_balance"`
	PaperBaseBalance  float64 `yaml:"paper_base_balance"`
	PaperStartPrice   float64 `yaml:"paper_start_price"`

	// Лимиты запросов (req/sec)
	OrdersRate     float64 `yaml:"orders_rate"`
	MarketDataRate float64 `yaml:"market_data_rate"`
	AccountRate    float64 `yaml:"account_rate"`
}

// BotConfig - планировщик циклов и вызовы внешних сервисов
type BotConfig struct {
	CycleInterval     time.Duration `yaml:"cycle_interval"`
	CycleSoftDeadline time.Duration `yaml:"cycle_soft_deadline"`

	// Таймаут и повторы одного вызова биржи
	OrderTimeout time.Duration `yaml:"order_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// Очередь исполнений (fills) между биржей и циклом
	FillQueueSize int `yaml:"fill_queue_size"`

	// Параллельные отмены при перестроении сетки
	MaxConcurrentCancels int `yaml:"max_concurrent_cancels"`
}

// GridConfig - параметры построения сетки
//
// Проценты заданы долями: 0.02 = 2%.
type GridConfig struct {
	TotalLevels int `yaml:"total_levels"`

	BaseRange   float64 `yaml:"base_range"`
	BaseSpacing float64 `yaml:"base_spacing"`

	LowVolatilityThreshold float64 `yaml:"low_volatility_threshold"`
	LowVolatilityRange     float64 `yaml:"low_volatility_range"`
	LowVolatilitySpacing   float64 `yaml:"low_volatility_spacing"`

	HighVolatilityThreshold float64 `yaml:"high_volatility_threshold"`
	HighVolatilityRange     float64 `yaml:"high_volatility_range"`
	HighVolatilitySpacing   float64 `yaml:"high_volatility_spacing"`

	// Крайние уровни (первые и последние N) получают увеличенный вес
	ExtremeLevelCount     int     `yaml:"extreme_level_count"`
	ExtremeSizeMultiplier float64 `yaml:"extreme_size_multiplier"`

	// Ордер ставится только на уровни в пределах окна от текущей цены
	PlacementWindow float64 `yaml:"placement_window"`

	RebalanceInterval time.Duration `yaml:"rebalance_interval"`

	// Стоп-лосс уровня и время его отключения после срабатывания
	StopLoss      float64       `yaml:"stop_loss"`
	LevelCooldown time.Duration `yaml:"level_cooldown"`
}

// RiskConfig - лимиты риск-движка (в процентах портфеля)
type RiskConfig struct {
	MaxAssetExposurePct float64 `yaml:"max_asset_exposure_pct"`
	MaxTotalExposurePct float64 `yaml:"max_total_exposure_pct"`
	MinCashReservePct   float64 `yaml:"min_cash_reserve_pct"`

	// Токен сброса аварийной остановки; при заданном хеше сверяется с ним
	ResetToken     string `yaml:"-"`
	ResetTokenHash string `yaml:"-"`
}

// ProfitConfig - фиксация и реинвестирование прибыли
type ProfitConfig struct {
	Threshold     float64 `yaml:"threshold"`      // 0.02 = 2% отклонения от входа
	ReinvestRatio float64 `yaml:"reinvest_ratio"` // остаток уходит в изъятие
}

// SignalConfig - внешний сервис сигналов (необязателен)
type SignalConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultResetToken - фраза подтверждения сброса аварийной остановки
const DefaultResetToken = "CONFIRM_RESET_EMERGENCY_STOP"

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			Name:         "gridbot",
			User:         "gridbot",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Exchange: ExchangeConfig{
			Mode:              "paper",
			Pair:              "BTC/USDT",
			Name:              "paper",
			PaperQuoteBalance: 10000,
			PaperStartPrice:   50000,
			OrdersRate:        10,
			MarketDataRate:    20,
			AccountRate:       5,
		},
		Bot: BotConfig{
			CycleInterval:        30 * time.Second,
			CycleSoftDeadline:    20 * time.Second,
			OrderTimeout:         5 * time.Second,
			MaxRetries:           3,
			RetryBackoff:         200 * time.Millisecond,
			FillQueueSize:        256,
			MaxConcurrentCancels: 4,
		},
		Grid:   DefaultGridConfig(),
		Risk:   DefaultRiskConfig(),
		Profit: ProfitConfig{Threshold: 0.02, ReinvestRatio: 0.70},
		Signal: SignalConfig{
			Timeout:       3 * time.Second,
			MinConfidence: 0.6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultGridConfig - базовая сетка ±2%, шаг 0.2%, 20 уровней
func DefaultGridConfig() GridConfig {
	return GridConfig{
		TotalLevels:             20,
		BaseRange:               0.02,
		BaseSpacing:             0.002,
		LowVolatilityThreshold:  0.01,
		LowVolatilityRange:      0.015,
		LowVolatilitySpacing:    0.0015,
		HighVolatilityThreshold: 0.03,
		HighVolatilityRange:     0.03,
		HighVolatilitySpacing:   0.003,
		ExtremeLevelCount:       2,
		ExtremeSizeMultiplier:   1.5,
		PlacementWindow:         0.001,
		RebalanceInterval:       time.Hour,
		StopLoss:                0.05,
		LevelCooldown:           24 * time.Hour,
	}
}

// DefaultRiskConfig - 5% на актив, 80% общей экспозиции, 20% резерва
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxAssetExposurePct: 5,
		MaxTotalExposurePct: 80,
		MinCashReservePct:   20,
		ResetToken:          DefaultResetToken,
	}
}

// Load загружает конфигурацию
func Load() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile накладывает YAML файл поверх текущих значений
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv - переменные окружения поверх файла
func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)

	c.Exchange.Mode = getEnv("TRADING_MODE", c.Exchange.Mode)
	c.Exchange.Pair = getEnv("TRADING_PAIR", c.Exchange.Pair)
	c.Exchange.PaperQuoteBalance = getEnvAsFloat("PAPER_QUOTE_BALANCE", c.Exchange.PaperQuoteBalance)
	c.Exchange.PaperBaseBalance = getEnvAsFloat("PAPER_BASE_BALANCE", c.Exchange.PaperBaseBalance)
	c.Exchange.PaperStartPrice = getEnvAsFloat("PAPER_START_PRICE", c.Exchange.PaperStartPrice)

	c.Bot.CycleInterval = getEnvAsDuration("CYCLE_INTERVAL", c.Bot.CycleInterval)
	c.Bot.CycleSoftDeadline = getEnvAsDuration("CYCLE_SOFT_DEADLINE", c.Bot.CycleSoftDeadline)
	c.Bot.OrderTimeout = getEnvAsDuration("ORDER_TIMEOUT", c.Bot.OrderTimeout)
	c.Bot.MaxRetries = getEnvAsInt("MAX_RETRIES", c.Bot.MaxRetries)
	c.Bot.RetryBackoff = getEnvAsDuration("RETRY_BACKOFF", c.Bot.RetryBackoff)

	c.Grid.TotalLevels = getEnvAsInt("GRID_LEVELS", c.Grid.TotalLevels)
	c.Grid.RebalanceInterval = getEnvAsDuration("GRID_REBALANCE_INTERVAL", c.Grid.RebalanceInterval)

	c.Profit.Threshold = getEnvAsFloat("PROFIT_THRESHOLD", c.Profit.Threshold)
	c.Profit.ReinvestRatio = getEnvAsFloat("PROFIT_REINVEST_RATIO", c.Profit.ReinvestRatio)

	c.Risk.ResetToken = getEnv("EMERGENCY_RESET_TOKEN", c.Risk.ResetToken)
	c.Risk.ResetTokenHash = getEnv("EMERGENCY_RESET_TOKEN_HASH", c.Risk.ResetTokenHash)

	c.Signal.URL = getEnv("SIGNAL_URL", c.Signal.URL)
	c.Signal.Timeout = getEnvAsDuration("SIGNAL_TIMEOUT", c.Signal.Timeout)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("DB_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Exchange.Mode != "paper" {
		return fmt.Errorf("TRADING_MODE %q is not supported", c.Exchange.Mode)
	}

	if c.Bot.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL must be positive, got %v", c.Bot.CycleInterval)
	}

	if c.Bot.CycleSoftDeadline <= 0 || c.Bot.CycleSoftDeadline > c.Bot.CycleInterval {
		return fmt.Errorf("CYCLE_SOFT_DEADLINE must be in (0, CYCLE_INTERVAL], got %v", c.Bot.CycleSoftDeadline)
	}

	if c.Bot.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Bot.OrderTimeout)
	}

	if c.Bot.MaxRetries < 0 || c.Bot.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES must be between 0 and 10, got %d", c.Bot.MaxRetries)
	}

	if c.Grid.TotalLevels < 2 {
		return fmt.Errorf("GRID_LEVELS must be at least 2, got %d", c.Grid.TotalLevels)
	}

	if c.Grid.ExtremeLevelCount*2 > c.Grid.TotalLevels {
		return fmt.Errorf("extreme_level_count %d too large for %d levels", c.Grid.ExtremeLevelCount, c.Grid.TotalLevels)
	}

	if c.Profit.Threshold <= 0 {
		return fmt.Errorf("PROFIT_THRESHOLD must be positive, got %v", c.Profit.Threshold)
	}

	if c.Profit.ReinvestRatio < 0 || c.Profit.ReinvestRatio > 1 {
		return fmt.Errorf("PROFIT_REINVEST_RATIO must be between 0 and 1, got %v", c.Profit.ReinvestRatio)
	}

	if c.Risk.ResetToken == "" && c.Risk.ResetTokenHash == "" {
		return fmt.Errorf("EMERGENCY_RESET_TOKEN cannot be empty")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword - для логирования
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
