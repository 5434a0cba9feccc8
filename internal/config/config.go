package config

import (
	"net"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	// las rutas de intents no piden token: por defecto solo se escucha en loopback
	HTTPHost      string `env:"HTTP_HOST" envDefault:"127.0.0.1"`
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LLMBaseURL      string  `env:"LLM_BASE_URL" envDefault:"http://localhost:8080/api/chat"`
	LLMAPIKey       string  `env:"LLM_API_KEY"`
	LLMModel        string  `env:"LLM_MODEL" envDefault:"gemini-2.0-flash"`
	LLMTemperature  float64 `env:"LLM_TEMPERATURE" envDefault:"0.7"`
	LLMMaxTokens    int     `env:"LLM_MAX_TOKENS" envDefault:"512"`
	LLMStreamFormat string  `env:"LLM_STREAM_FORMAT" envDefault:"text"`

	LocalDataDir         string   `env:"LOCAL_DATA_DIR" envDefault:".convsync"`
	AttachmentMaxBytes   int64    `env:"ATTACHMENT_MAX_BYTES" envDefault:"10485760"`
	AttachmentMediaTypes []string `env:"ATTACHMENT_MEDIA_TYPES" envSeparator:"," envDefault:"image/jpeg,image/jpg,image/png,image/gif,image/webp"`

	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER" envDefault:"chat-sync"`
	StubBackend bool   `env:"STUB_BACKEND" envDefault:"true"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	cfg.LLMStreamFormat = strings.ToLower(strings.TrimSpace(cfg.LLMStreamFormat))
	return &cfg, nil
}

// ListenAddr es la dirección host:puerto del servidor HTTP.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTPHost, c.HTTPPort)
}
