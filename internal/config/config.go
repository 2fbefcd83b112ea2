package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/soundchat/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv читает .env только вне production (в контейнере/prod конфиг только из env).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		f, err := os.Open(dir + "/.env")
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
	}
}

func loadEnvFrom(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// ReconnectConfig — экспоненциальный backoff Connection Manager.
type ReconnectConfig struct {
	Base         time.Duration
	Max          time.Duration
	DegradeAfter int
}

// WSConfig — параметры живого соединения (ping/pong, буферы).
type WSConfig struct {
	PingPeriod     time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
}

// TypingConfig — таймер остановки набора и окно схлопывания.
type TypingConfig struct {
	Timeout  time.Duration
	Debounce time.Duration
}

// RelayConfig — dev-relay (REST + live transport в памяти).
type RelayConfig struct {
	ServerAddr         string
	RedisURL           string
	CORSAllowedOrigins string
	MaxWSConnections   int
	RateLimitPerMinute int
	// Tokens сопоставляет bearer-токен пользователю. При пустой карте токеном служит сам user id.
	Tokens map[string]string
}

// Config содержит настройки клиента ядра и dev-relay.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
type Config struct {
	APIURL          string
	WSURL           string
	HTTPTimeout     time.Duration
	HistoryPageSize int
	Reconnect       ReconnectConfig
	WS              WSConfig
	Typing          TypingConfig
	Relay           RelayConfig
	LogLevel        string
}

// yamlConfig — промежуточная структура для парсинга YAML (длительности в ms/секундах).
type yamlConfig struct {
	APIURL                string `yaml:"api_url"`
	WSURL                 string `yaml:"ws_url"`
	HTTPTimeout           int    `yaml:"http_timeout"`
	HistoryPageSize       int    `yaml:"history_page_size"`
	ReconnectBaseMS       int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMS        int    `yaml:"reconnect_max_ms"`
	ReconnectDegradeAfter int    `yaml:"reconnect_degrade_after"`
	WSPingPeriod          int    `yaml:"ws_ping_period"`
	WSPongTimeout         int    `yaml:"ws_pong_timeout"`
	WSWriteTimeout        int    `yaml:"ws_write_timeout"`
	WSSendBufferSize      int    `yaml:"ws_send_buffer_size"`
	WSMaxMessageSize      int    `yaml:"ws_max_message_size"`
	TypingTimeoutMS       int    `yaml:"typing_timeout_ms"`
	TypingDebounceMS      int    `yaml:"typing_debounce_ms"`
	ServerAddr            string `yaml:"server_addr"`
	RedisURL              string `yaml:"redis_url"`
	CORSAllowedOrigins    string `yaml:"cors_allowed_origins"`
	MaxWSConnections      int    `yaml:"max_ws_connections"`
	RateLimitPerMinute    int    `yaml:"rate_limit_per_minute"`
	RelayTokens           string `yaml:"relay_tokens"`
	LogLevel              string `yaml:"log_level"`
}

func defaults() yamlConfig {
	return yamlConfig{
		APIURL:                "http://localhost:8090/api",
		WSURL:                 "ws://localhost:8090/ws",
		HTTPTimeout:           15,
		HistoryPageSize:       50,
		ReconnectBaseMS:       500,
		ReconnectMaxMS:        30000,
		ReconnectDegradeAfter: 5,
		WSPingPeriod:          54,
		WSPongTimeout:         60,
		WSWriteTimeout:        10,
		WSSendBufferSize:      64,
		WSMaxMessageSize:      65536,
		TypingTimeoutMS:       2000,
		TypingDebounceMS:      300,
		ServerAddr:            ":8090",
		CORSAllowedOrigins:    "*",
		MaxWSConnections:      10000,
		RateLimitPerMinute:    600,
		LogLevel:              "info",
	}
}

// Load загружает конфигурацию: .env, затем CONFIG_PATH или config/chat.yaml, затем env.
func Load() *Config {
	loadEnv()
	yc := defaults()
	for _, path := range []string{os.Getenv("CONFIG_PATH"), "config/chat.yaml"} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := parse(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}
	cfg := fromYAML(yc)
	logger.SetLevel(cfg.LogLevel)
	return cfg
}

// parse накладывает YAML поверх уже заполненных значений.
func parse(data []byte, yc *yamlConfig) error {
	return yaml.Unmarshal(data, yc)
}

// FromYAML собирает Config из YAML-документа без чтения файлов (используется в тестах и relay).
func FromYAML(data []byte) (*Config, error) {
	yc := defaults()
	if err := parse(data, &yc); err != nil {
		return nil, err
	}
	return fromYAML(yc), nil
}

func fromYAML(yc yamlConfig) *Config {
	cfg := &Config{
		APIURL:          strings.TrimSuffix(envStr("API_URL", yc.APIURL), "/"),
		WSURL:           envStr("WS_URL", yc.WSURL),
		HTTPTimeout:     time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
		HistoryPageSize: envInt("HISTORY_PAGE_SIZE", yc.HistoryPageSize),
		Reconnect: ReconnectConfig{
			Base:         time.Duration(envInt("RECONNECT_BASE_MS", yc.ReconnectBaseMS)) * time.Millisecond,
			Max:          time.Duration(envInt("RECONNECT_MAX_MS", yc.ReconnectMaxMS)) * time.Millisecond,
			DegradeAfter: envInt("RECONNECT_DEGRADE_AFTER", yc.ReconnectDegradeAfter),
		},
		WS: WSConfig{
			PingPeriod:     time.Duration(envInt("WS_PING_PERIOD", yc.WSPingPeriod)) * time.Second,
			PongTimeout:    time.Duration(envInt("WS_PONG_TIMEOUT", yc.WSPongTimeout)) * time.Second,
			WriteTimeout:   time.Duration(envInt("WS_WRITE_TIMEOUT", yc.WSWriteTimeout)) * time.Second,
			SendBufferSize: envInt("WS_SEND_BUFFER_SIZE", yc.WSSendBufferSize),
			MaxMessageSize: int64(envInt("WS_MAX_MESSAGE_SIZE", yc.WSMaxMessageSize)),
		},
		Typing: TypingConfig{
			Timeout:  time.Duration(envInt("TYPING_TIMEOUT_MS", yc.TypingTimeoutMS)) * time.Millisecond,
			Debounce: time.Duration(envInt("TYPING_DEBOUNCE_MS", yc.TypingDebounceMS)) * time.Millisecond,
		},
		Relay: RelayConfig{
			ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
			RedisURL:           envStr("REDIS_URL", yc.RedisURL),
			CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
			MaxWSConnections:   envInt("MAX_WS_CONNECTIONS", yc.MaxWSConnections),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", yc.RateLimitPerMinute),
			Tokens:             parseTokens(envStr("RELAY_TOKENS", yc.RelayTokens)),
		},
		LogLevel: envStr("LOG_LEVEL", yc.LogLevel),
	}
	cfg.normalize()
	return cfg
}

// normalize чинит заведомо неверные значения, чтобы ядро не крутилось в busy-loop.
func (c *Config) normalize() {
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = 500 * time.Millisecond
	}
	if c.Reconnect.Max < c.Reconnect.Base {
		c.Reconnect.Max = c.Reconnect.Base
	}
	if c.Reconnect.DegradeAfter <= 0 {
		c.Reconnect.DegradeAfter = 5
	}
	if c.WS.PongTimeout <= 0 {
		c.WS.PongTimeout = 60 * time.Second
	}
	if c.WS.PingPeriod <= 0 || c.WS.PingPeriod >= c.WS.PongTimeout {
		c.WS.PingPeriod = (c.WS.PongTimeout * 9) / 10
	}
	if c.WS.WriteTimeout <= 0 {
		c.WS.WriteTimeout = 10 * time.Second
	}
	if c.WS.SendBufferSize <= 0 {
		c.WS.SendBufferSize = 64
	}
	if c.Typing.Timeout <= 0 {
		c.Typing.Timeout = 2 * time.Second
	}
	if c.Typing.Debounce < 0 || c.Typing.Debounce > c.Typing.Timeout {
		c.Typing.Debounce = 0
	}
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 100 {
		c.HistoryPageSize = 50
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
}

// parseTokens разбирает "token:user,token2:user2".
func parseTokens(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		idx := strings.Index(pair, ":")
		if idx <= 0 || idx == len(pair)-1 {
			continue
		}
		out[pair[:idx]] = pair[idx+1:]
	}
	return out
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Default возвращает конфигурацию по умолчанию с учётом env, без чтения файлов.
func Default() *Config {
	return fromYAML(defaults())
}
