package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int    `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int    `env:"DB_MIN_CONNS" envDefault:"1"`

	LLMAPIKey     string `env:"LLM_API_KEY,required"`
	LLMBaseURL    string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel      string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	LLMEmbedModel string `env:"LLM_EMBED_MODEL" envDefault:"text-embedding-3-small"`

	JWTSecret            string `env:"JWT_SECRET"`
	JWTAccessTTLMinutes  int    `env:"JWT_ACCESS_TTL_MINUTES" envDefault:"15"`
	JWTRefreshTTLMinutes int    `env:"JWT_REFRESH_TTL_MINUTES" envDefault:"43200"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Límite duro para archivos subidos; sobre esto respondemos 413.
	UploadMaxBytes int64  `env:"UPLOAD_MAX_BYTES" envDefault:"10485760"`
	GCSBucket      string `env:"GCS_BUCKET"`

	ContextWindow         int `env:"CONTEXT_WINDOW" envDefault:"10"`
	ContextRecallK        int `env:"CONTEXT_RECALL_K" envDefault:"5"`
	StreamGuardTTLSeconds int `env:"STREAM_GUARD_TTL_SECONDS" envDefault:"120"`
	WriteMaxAttempts      int `env:"WRITE_MAX_ATTEMPTS" envDefault:"3"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
