package joanne

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/parkvoice/joanne/pkg/pipeline"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	Agent         AgentConfig           `mapstructure:"agent"`
	Booking       BookingConfig         `mapstructure:"booking"`
	Notify        NotifyConfig          `mapstructure:"notify"`
	Transfer      TransferConfig        `mapstructure:"transfer"`
	Dispatch      DispatchConfig        `mapstructure:"dispatch"`
	Recovery      RecoveryConfig        `mapstructure:"recovery"`
	Normalizer    NormalizerConfig      `mapstructure:"normalizer"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
}

type TurnConfig struct {
	BargeInThresholdMS int                   `mapstructure:"barge_in_threshold_ms"`
	MinBargeInMS       int                   `mapstructure:"min_barge_in_ms"`
	EndOfTurnTimeoutMS int                   `mapstructure:"end_of_turn_timeout_ms"`
	SilenceReprompt    SilenceRepromptConfig `mapstructure:"silence_reprompt"`
}

type SilenceRepromptConfig struct {
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	PromptText  string `mapstructure:"prompt_text"`
}

// AgentConfig is the spoken persona: what the agent says before the model is
// ever consulted, and how long its replies may run.
type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	// SystemPromptPath, when set, loads the persona prompt from a file and
	// overrides SystemPrompt. Long prompts live better next to the config
	// file than inside it.
	SystemPromptPath  string `mapstructure:"system_prompt_path"`
	Greeting          string `mapstructure:"greeting"`
	Apology           string `mapstructure:"apology"`
	Instructions      string `mapstructure:"instructions"`
	MaxTurns          int    `mapstructure:"max_turns"`
	MaxReplyChars     int    `mapstructure:"max_reply_chars"`
	MaxReplySentences int    `mapstructure:"max_reply_sentences"`
}

// BookingConfig points at the table store holding the arrivals and
// departures booking tables.
type BookingConfig struct {
	APIKey          string `mapstructure:"api_key"`
	BaseID          string `mapstructure:"base_id"`
	ArrivalsTable   string `mapstructure:"arrivals_table"`
	DeparturesTable string `mapstructure:"departures_table"`
	TimeoutMS       int    `mapstructure:"timeout_ms"`
	Timezone        string `mapstructure:"timezone"`
}

type NotifyConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	FromNumber  string `mapstructure:"from_number"`
	GroupNumber string `mapstructure:"group_number"`
}

type TransferConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	AgentNumber string `mapstructure:"agent_number"`
}

type DispatchConfig struct {
	ModelTimeoutMS int `mapstructure:"model_timeout_ms"`
	ToolTimeoutMS  int `mapstructure:"tool_timeout_ms"`
}

type RecoveryConfig struct {
	MaxAttempts int      `mapstructure:"max_attempts"`
	PromptText  string   `mapstructure:"prompt_text"`
	Phrases     []string `mapstructure:"phrases"`
}

// NormalizerConfig rewrites common misheard domain terms in transcripts
// before they reach the model ("reg" -> "registration" and the like).
type NormalizerConfig struct {
	Replacements map[string]string `mapstructure:"replacements"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsSampleRate thins the debug metrics log. 1 logs everything,
	// 0.1 logs roughly one event in ten. Artifacts are never sampled.
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// configDefaults are the deployment-independent baseline values. Anything a
// config file omits falls back to these.
func configDefaults() map[string]any {
	return map[string]any{
		"pipeline.async":                       true,
		"pipeline.stagebuffer":                 128,
		"pipeline.highcapacity":                256,
		"pipeline.lowcapacity":                 512,
		"pipeline.fairnessratio":               3,
		"pipeline.backpressure":                "drop",
		"engine.samplerate":                    8000,
		"engine.stt_replay_chunks":             50,
		"stt.forward_interim":                  false,
		"turn.barge_in_threshold_ms":           500,
		"turn.min_barge_in_ms":                 300,
		"turn.end_of_turn_timeout_ms":          0,
		"turn.silence_reprompt.timeout_ms":     0,
		"turn.silence_reprompt.max_attempts":   0,
		"turn.silence_reprompt.prompt_text":    "",
		"agent.system_prompt":                  DefaultSystemPrompt,
		"agent.system_prompt_path":             "",
		"agent.greeting":                       DefaultGreeting,
		"agent.apology":                        "",
		"agent.instructions":                   DefaultInstructions,
		"agent.max_turns":                      64,
		"agent.max_reply_chars":                420,
		"agent.max_reply_sentences":            3,
		"booking.arrivals_table":               "Arrivals",
		"booking.departures_table":             "Departures",
		"booking.timeout_ms":                   8000,
		"booking.timezone":                     "Europe/London",
		"dispatch.model_timeout_ms":            15000,
		"dispatch.tool_timeout_ms":             10000,
		"environment":                          "development",
		"log_level":                            "info",
		"log_format":                           "text",
		"observability.artifacts_dir":          "",
		"observability.record_audio":           false,
		"observability.retention_days":         0,
		"observability.metrics_sample_rate":    1.0,
		"privacy.redact_pii":                   true,
	}
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	for key, val := range configDefaults() {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		backpressureHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if path := strings.TrimSpace(cfg.Agent.SystemPromptPath); path != "" {
		prompt, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read agent.system_prompt_path: %w", err)
		}
		cfg.Agent.SystemPrompt = strings.TrimSpace(string(prompt))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Booking.APIKey) == "" {
		return fmt.Errorf("booking.api_key is required")
	}
	if strings.TrimSpace(c.Booking.BaseID) == "" {
		return fmt.Errorf("booking.base_id is required")
	}

	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

// expandValue walks a decoded config value and applies ${ENV} expansion to
// every settable string it finds, including string-keyed string maps.
func expandValue(v reflect.Value) {
	switch {
	case !v.IsValid():
	case v.Kind() == reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case v.Kind() == reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case v.Kind() == reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case v.Kind() == reflect.Slice || v.Kind() == reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case v.Kind() == reflect.Map:
		t := v.Type()
		if t.Key().Kind() != reflect.String || t.Elem().Kind() != reflect.String {
			return
		}
		for _, key := range v.MapKeys() {
			v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(v.MapIndex(key).String())))
		}
	}
}

// backpressureHook lets pipeline.backpressure be spelled "drop" or "wait"
// in config files instead of a bare mode number.
func backpressureHook() mapstructure.DecodeHookFuncType {
	modeType := reflect.TypeOf(pipeline.BackpressureDrop)
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != modeType {
			return data, nil
		}
		return parseBackpressure(data.(string)), nil
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
