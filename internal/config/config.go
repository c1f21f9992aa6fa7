package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gestaozabele/sos/internal/util"
)

// Backends aceitos em SESSION_STORE.
const (
	SessionStoreMemory   = "memory"
	SessionStoreRedis    = "redis"
	SessionStorePostgres = "postgres"
)

// Config centraliza a configuração carregada do ambiente.
type Config struct {
	BFFURL       string
	GatewayURL   string
	HTTPAddr     string
	HTTPTimeout  time.Duration
	AllowOrigins []string
	LogLevel     string

	Session  SessionConfig
	Token    TokenConfig
	Realtime RealtimeConfig

	ParticipantPoll time.Duration
	Incidents       []string
	RateLimitStatus RateLimitConfig
}

// SessionConfig define onde o par de tokens é persistido.
type SessionConfig struct {
	Store        string
	Namespace    string
	RedisURL     string
	DBDSN        string
	AccessToken  string
	RefreshToken string
}

// TokenConfig controla a verificação periódica de expiração.
type TokenConfig struct {
	CheckInterval    time.Duration
	RefreshThreshold time.Duration
}

// RealtimeConfig parametriza a conexão com o gateway.
type RealtimeConfig struct {
	RefreshThreshold     time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	PingInterval         time.Duration
	SuperviseInterval    time.Duration
	TypingRate           float64
	UserType             string
	DisplayName          string
}

// RateLimitConfig representa limites simples para throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// Load carrega variáveis de ambiente e aplica defaults seguros.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.BFFURL = strings.TrimRight(strings.TrimSpace(getEnv("SOS_BFF_URL", "")), "/")
	if err := util.RequireString(cfg.BFFURL, "SOS_BFF_URL"); err != nil {
		return nil, err
	}
	gateway, err := gatewayURL(cfg.BFFURL, strings.TrimSpace(getEnv("SOS_GATEWAY_URL", "")))
	if err != nil {
		return nil, err
	}
	cfg.GatewayURL = gateway

	cfg.HTTPAddr = strings.TrimSpace(getEnv("HTTP_ADDR", ":8090"))
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8090"
	}
	if cfg.HTTPTimeout, err = parseDurationEnv("HTTP_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	cfg.AllowOrigins = util.SplitList(getEnv("ALLOW_ORIGINS", ""))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info")))

	cfg.Session = SessionConfig{
		Store:        strings.ToLower(strings.TrimSpace(getEnv("SESSION_STORE", SessionStoreMemory))),
		Namespace:    strings.TrimSpace(getEnv("SESSION_NAMESPACE", "default")),
		RedisURL:     strings.TrimSpace(getEnv("REDIS_URL", "")),
		DBDSN:        strings.TrimSpace(getEnv("DB_DSN", "")),
		AccessToken:  strings.TrimSpace(getEnv("SOS_ACCESS_TOKEN", "")),
		RefreshToken: strings.TrimSpace(getEnv("SOS_REFRESH_TOKEN", "")),
	}
	switch cfg.Session.Store {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if cfg.Session.RedisURL == "" {
			return nil, errors.New("REDIS_URL obrigatório para SESSION_STORE=redis")
		}
	case SessionStorePostgres:
		if cfg.Session.DBDSN == "" {
			return nil, errors.New("DB_DSN obrigatório para SESSION_STORE=postgres")
		}
	default:
		return nil, errors.New("SESSION_STORE inválido")
	}

	if cfg.Token.CheckInterval, err = parseDurationEnv("TOKEN_CHECK_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Token.RefreshThreshold, err = parseDurationEnv("TOKEN_REFRESH_THRESHOLD", 60*time.Second); err != nil {
		return nil, err
	}

	rt := RealtimeConfig{
		UserType:    strings.TrimSpace(getEnv("SOS_USER_TYPE", "admin")),
		DisplayName: strings.TrimSpace(getEnv("SOS_DISPLAY_NAME", "Central")),
	}
	if rt.RefreshThreshold, err = parseDurationEnv("REALTIME_REFRESH_THRESHOLD", 5*time.Minute); err != nil {
		return nil, err
	}
	if rt.MaxReconnectAttempts, err = parseIntEnv("REALTIME_MAX_RECONNECT", 5); err != nil {
		return nil, err
	}
	if rt.ReconnectBase, err = parseDurationEnv("REALTIME_RECONNECT_BASE", time.Second); err != nil {
		return nil, err
	}
	if rt.ReconnectMax, err = parseDurationEnv("REALTIME_RECONNECT_MAX", 5*time.Second); err != nil {
		return nil, err
	}
	if rt.PingInterval, err = parseDurationEnv("REALTIME_PING_INTERVAL", 25*time.Second); err != nil {
		return nil, err
	}
	if rt.SuperviseInterval, err = parseDurationEnv("REALTIME_SUPERVISE_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if rt.SuperviseInterval <= 0 {
		return nil, errors.New("REALTIME_SUPERVISE_INTERVAL deve ser positivo")
	}
	if rt.TypingRate, err = parseFloatEnv("TYPING_RATE", 2); err != nil {
		return nil, err
	}
	switch rt.UserType {
	case "admin", "rescuer", "citizen":
	default:
		return nil, errors.New("SOS_USER_TYPE inválido")
	}
	if rt.MaxReconnectAttempts <= 0 {
		return nil, errors.New("REALTIME_MAX_RECONNECT deve ser positivo")
	}
	cfg.Realtime = rt

	if cfg.ParticipantPoll, err = parseDurationEnv("PARTICIPANT_POLL_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	cfg.Incidents = util.SplitList(getEnv("SOS_INCIDENTS", ""))

	if cfg.RateLimitStatus.RequestsPerSecond, err = parseFloatEnv("STATUS_RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitStatus.Burst, err = parseIntEnv("STATUS_RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	return cfg, nil
}

// gatewayURL deriva ws(s)://host/realtime da URL do BFF quando não informado.
func gatewayURL(bffURL, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	u, err := url.Parse(bffURL)
	if err != nil || u.Host == "" {
		return "", errors.New("SOS_BFF_URL inválida")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/realtime"
	u.RawQuery = ""
	return u.String(), nil
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil || dur < 0 {
		return 0, errors.New(key + " inválido")
	}
	return dur, nil
}

func parseIntEnv(key string, def int) (int, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.New(key + " inválido")
	}
	return n, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	n, err := strconv.ParseFloat(val, 64)
	if err != nil || n < 0 {
		return 0, errors.New(key + " inválido")
	}
	return n, nil
}
