// Package config loads flowrelay settings from an optional YAML file with
// FLOWRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string        `yaml:"addr"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	Workflow WorkflowConfig `yaml:"workflow"`
	Chat     ChatConfig     `yaml:"chat"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Admin    AdminConfig    `yaml:"admin"`
}

type WorkflowConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Token         string        `yaml:"token"`
	WorkflowID    string        `yaml:"workflow_id"`
	InputParam    string        `yaml:"input_param"`
	ResumeData    string        `yaml:"resume_data"`
	MaxInterrupts int           `yaml:"max_interrupts"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
	OutputKey     string        `yaml:"output_key"`
	OutputQuery   string        `yaml:"output_query"`
	OutputScheme  string        `yaml:"output_scheme"`
}

type ChatConfig struct {
	APIBaseURL        string `yaml:"api_base_url"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	VerificationToken string `yaml:"verification_token"`
	EncryptKey        string `yaml:"encrypt_key"`
	NotifyMode        string `yaml:"notify_mode"`
	WebhookURL        string `yaml:"webhook_url"`
	BotOpenID         string `yaml:"bot_open_id"`
	RequireMention    bool   `yaml:"require_mention"`
	DefaultChatID     string `yaml:"default_chat_id"`
}

type IngressConfig struct {
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	LedgerDSN        string        `yaml:"ledger_dsn"`
	LedgerWindow     time.Duration `yaml:"ledger_window"`
	LedgerMaxEntries int           `yaml:"ledger_max_entries"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	RunHistory       int           `yaml:"run_history"`
}

type AdminConfig struct {
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		LogLevel:    "info",
		LogFormat:   "json",
		HTTPTimeout: 10 * time.Second,
		Workflow: WorkflowConfig{
			BaseURL:       "https://api.coze.cn",
			InputParam:    "input_url",
			ResumeData:    "continue",
			MaxInterrupts: 16,
			RunTimeout:    15 * time.Minute,
			OutputKey:     "output",
			OutputScheme:  "http",
		},
		Chat: ChatConfig{
			APIBaseURL:     "https://open.feishu.cn/open-apis",
			NotifyMode:     "api",
			RequireMention: true,
		},
		Ingress: IngressConfig{
			Workers:          4,
			QueueSize:        256,
			LedgerDSN:        "memory://",
			LedgerMaxEntries: 100000,
			MaxBodyBytes:     1 << 20,
			RunHistory:       500,
		},
		Admin: AdminConfig{
			RateLimit: 5,
			RateBurst: 10,
		},
	}
}

// Load reads path over the defaults and then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("FLOWRELAY_ADDR", cfg.Addr)
	cfg.LogLevel = stringEnv("FLOWRELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringEnv("FLOWRELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.HTTPTimeout = durationEnv("FLOWRELAY_HTTP_TIMEOUT", cfg.HTTPTimeout)

	wf := &cfg.Workflow
	wf.BaseURL = stringEnv("FLOWRELAY_WORKFLOW_BASE_URL", wf.BaseURL)
	wf.Token = stringEnv("FLOWRELAY_WORKFLOW_TOKEN", wf.Token)
	wf.WorkflowID = stringEnv("FLOWRELAY_WORKFLOW_ID", wf.WorkflowID)
	wf.InputParam = stringEnv("FLOWRELAY_WORKFLOW_INPUT_PARAM", wf.InputParam)
	wf.ResumeData = stringEnv("FLOWRELAY_WORKFLOW_RESUME_DATA", wf.ResumeData)
	wf.MaxInterrupts = intEnv("FLOWRELAY_WORKFLOW_MAX_INTERRUPTS", wf.MaxInterrupts)
	wf.RunTimeout = durationEnv("FLOWRELAY_WORKFLOW_RUN_TIMEOUT", wf.RunTimeout)
	wf.OutputKey = stringEnv("FLOWRELAY_OUTPUT_KEY", wf.OutputKey)
	wf.OutputQuery = stringEnv("FLOWRELAY_OUTPUT_QUERY", wf.OutputQuery)
	wf.OutputScheme = stringEnv("FLOWRELAY_OUTPUT_SCHEME", wf.OutputScheme)

	chat := &cfg.Chat
	chat.APIBaseURL = stringEnv("FLOWRELAY_CHAT_API_BASE_URL", chat.APIBaseURL)
	chat.AppID = stringEnv("FLOWRELAY_CHAT_APP_ID", chat.AppID)
	chat.AppSecret = stringEnv("FLOWRELAY_CHAT_APP_SECRET", chat.AppSecret)
	chat.VerificationToken = stringEnv("FLOWRELAY_VERIFICATION_TOKEN", chat.VerificationToken)
	chat.EncryptKey = stringEnv("FLOWRELAY_ENCRYPT_KEY", chat.EncryptKey)
	chat.NotifyMode = stringEnv("FLOWRELAY_NOTIFY_MODE", chat.NotifyMode)
	chat.WebhookURL = stringEnv("FLOWRELAY_WEBHOOK_URL", chat.WebhookURL)
	chat.BotOpenID = stringEnv("FLOWRELAY_BOT_OPEN_ID", chat.BotOpenID)
	chat.RequireMention = boolEnv("FLOWRELAY_REQUIRE_MENTION", chat.RequireMention)
	chat.DefaultChatID = stringEnv("FLOWRELAY_DEFAULT_CHAT_ID", chat.DefaultChatID)

	in := &cfg.Ingress
	in.Workers = intEnv("FLOWRELAY_WORKERS", in.Workers)
	in.QueueSize = intEnv("FLOWRELAY_QUEUE_SIZE", in.QueueSize)
	in.LedgerDSN = stringEnv("FLOWRELAY_LEDGER_DSN", in.LedgerDSN)
	in.LedgerWindow = durationEnv("FLOWRELAY_LEDGER_WINDOW", in.LedgerWindow)
	in.LedgerMaxEntries = intEnv("FLOWRELAY_LEDGER_MAX_ENTRIES", in.LedgerMaxEntries)
	in.MaxBodyBytes = int64Env("FLOWRELAY_MAX_BODY_BYTES", in.MaxBodyBytes)
	in.RunHistory = intEnv("FLOWRELAY_RUN_HISTORY", in.RunHistory)

	cfg.Admin.JWTSecret = stringEnv("FLOWRELAY_ADMIN_JWT_SECRET", cfg.Admin.JWTSecret)
	cfg.Admin.RateLimit = floatEnv("FLOWRELAY_ADMIN_RATE_LIMIT", cfg.Admin.RateLimit)
	cfg.Admin.RateBurst = intEnv("FLOWRELAY_ADMIN_RATE_BURST", cfg.Admin.RateBurst)
}

// ValidateOutbound checks what a single workflow run and its notification need.
func (c Config) ValidateOutbound() error {
	var errs []error
	if strings.TrimSpace(c.Workflow.Token) == "" {
		errs = append(errs, errors.New("workflow.token is required"))
	}
	if strings.TrimSpace(c.Workflow.WorkflowID) == "" {
		errs = append(errs, errors.New("workflow.workflow_id is required"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Chat.NotifyMode)) {
	case "webhook":
		if strings.TrimSpace(c.Chat.WebhookURL) == "" {
			errs = append(errs, errors.New("chat.webhook_url is required in webhook mode"))
		}
	case "api", "":
		if strings.TrimSpace(c.Chat.AppID) == "" || strings.TrimSpace(c.Chat.AppSecret) == "" {
			errs = append(errs, errors.New("chat.app_id and chat.app_secret are required in api mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("chat.notify_mode %q is not one of webhook, api", c.Chat.NotifyMode))
	}
	return errors.Join(errs...)
}

// Validate checks everything the long-running server needs.
func (c Config) Validate() error {
	errs := []error{c.ValidateOutbound()}
	if strings.TrimSpace(c.Chat.VerificationToken) == "" {
		errs = append(errs, errors.New("chat.verification_token is required"))
	}
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	return errors.Join(errs...)
}
