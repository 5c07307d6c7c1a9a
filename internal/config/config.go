package config

import "github.com/kelseyhightower/envconfig"

type PipelineConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Redis queue substrate
	RedisAddr     string `envconfig:"REDIS_ADDR" required:"true"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Poller
	PollInterval string `envconfig:"POLL_INTERVAL" default:"10s"`
	PollBatch    int    `envconfig:"POLL_BATCH" default:"100"`
	// Processing claims older than this may be reclaimed by any poller.
	ClaimStaleAfter string `envconfig:"CLAIM_STALE_AFTER" default:"15m"`

	// Worker pool
	WorkerConcurrency int     `envconfig:"WORKER_CONCURRENCY" default:"5"`
	DispatchRPS       float64 `envconfig:"DISPATCH_RPS" default:"50"`
	DispatchBurst     int     `envconfig:"DISPATCH_BURST" default:"10"`
	DispatchTimeout   string  `envconfig:"DISPATCH_TIMEOUT" default:"8s"`

	// Retry policy (per-urgency overrides for the urgent tier are optional;
	// zero means "same as default").
	MaxAttempts       int    `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay    string `envconfig:"RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay     string `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	UrgentMaxAttempts int    `envconfig:"URGENT_MAX_ATTEMPTS" default:"0"`
	UrgentRetryBase   string `envconfig:"URGENT_RETRY_BASE_DELAY" default:""`

	// SendGrid (email)
	SendgridAPIKey  string `envconfig:"SENDGRID_API_KEY" required:"true"`
	SendgridFrom    string `envconfig:"SENDGRID_FROM_EMAIL" required:"true"`
	SendgridBaseURL string `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com"`

	// Twilio (sms + whatsapp)
	TwilioAccountSID     string `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken      string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioFromNumber     string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioWhatsAppNumber string `envconfig:"TWILIO_WHATSAPP_NUMBER"`
	TwilioBaseURL        string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
}

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Redis, for queue depth reporting on the metrics endpoint
	RedisAddr     string `envconfig:"REDIS_ADDR" required:"true"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Event webhook signature verification (base64 PKIX ECDSA public key,
	// as shown in the provider dashboard)
	SendgridWebhookPublicKey string `envconfig:"SENDGRID_WEBHOOK_PUBLIC_KEY" required:"true"`
}

func LoadPipeline() PipelineConfig {
	var cfg PipelineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
