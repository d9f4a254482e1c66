// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/calma/internal/provider"
	"github.com/jeranaias/calma/internal/storage"
	"github.com/jeranaias/calma/internal/title"
	"github.com/jeranaias/calma/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete calma configuration.
type Config struct {
	// Client settings used by chat, tui and the other conversation commands.
	Client ClientConfig `toml:"client" json:"client"`

	// Upstream model used by `calma serve`.
	Provider ProviderConfig `toml:"provider" json:"provider"`

	// Where conversations are persisted.
	Store StoreConfig `toml:"store" json:"store"`

	Title TitleConfig `toml:"title" json:"title"`

	Server ServerConfig `toml:"server" json:"server"`

	Persona PersonaConfig `toml:"persona" json:"persona"`

	Log LogConfig `toml:"log" json:"log"`
}

// ClientConfig points the client at the chat proxy.
type ClientConfig struct {
	// ChatURL is the primary streaming endpoint.
	ChatURL string `toml:"chat_url" json:"chat_url"`

	// APIURL is the base the title endpoint hangs off.
	APIURL string `toml:"api_url" json:"api_url"`

	// TitleTimeoutSecs bounds a single title request.
	TitleTimeoutSecs int `toml:"title_timeout_secs" json:"title_timeout_secs"`
}

// ProviderConfig selects and authenticates the upstream model.
type ProviderConfig struct {
	// Name is one of groq, openai, ollama, gemini.
	Name    string `toml:"name" json:"name"`
	Model   string `toml:"model" json:"model"`
	BaseURL string `toml:"base_url" json:"base_url"`

	// APIKey is normally supplied through the environment.
	APIKey string `toml:"api_key" json:"api_key"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is one of file, sqlite, bolt, memory.
	Backend string `toml:"backend" json:"backend"`

	// Dir holds the store files. Default: ~/.calma/data
	Dir string `toml:"dir" json:"dir"`
}

// TitleConfig controls automatic title inference.
type TitleConfig struct {
	// Retry is "every-message" or "once".
	Retry string `toml:"retry" json:"retry"`
}

// ServerConfig controls `calma serve`.
type ServerConfig struct {
	Host                string   `toml:"host" json:"host"`
	Port                int      `toml:"port" json:"port"`
	AllowedOrigins      []string `toml:"allowed_origins" json:"allowed_origins"`
	UpstreamTimeoutSecs int      `toml:"upstream_timeout_secs" json:"upstream_timeout_secs"`
}

// PersonaConfig optionally replaces the built-in system prompt.
type PersonaConfig struct {
	// File is re-read whenever it changes while the server runs.
	File string `toml:"file" json:"file"`
}

// LogConfig controls logging.
type LogConfig struct {
	Verbose bool `toml:"verbose" json:"verbose"`

	// File receives logs from interactive commands. Default: ~/.calma/calma.log
	File string `toml:"file" json:"file"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default values.
const (
	DefaultChatURL          = "http://127.0.0.1:8787/api/chat"
	DefaultAPIURL           = "http://127.0.0.1:8787"
	DefaultTitleTimeoutSecs = 20
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8787
	DefaultUpstreamSecs     = 30
)

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ChatURL:          DefaultChatURL,
			APIURL:           DefaultAPIURL,
			TitleTimeoutSecs: DefaultTitleTimeoutSecs,
		},
		Provider: ProviderConfig{
			Name: provider.NameGroq,
		},
		Store: StoreConfig{
			Backend: storage.BackendFile,
		},
		Title: TitleConfig{
			Retry: string(title.RetryEveryMessage),
		},
		Server: ServerConfig{
			Host:                DefaultHost,
			Port:                DefaultPort,
			AllowedOrigins:      []string{"*"},
			UpstreamTimeoutSecs: DefaultUpstreamSecs,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the calma configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".calma"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DataDir returns the store directory, resolving the default.
func (c *Config) DataDir() (string, error) {
	if c.Store.Dir != "" {
		return c.Store.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// StoreLocation returns the location argument storage.Open expects for the
// configured backend.
func (c *Config) StoreLocation() (string, error) {
	dir, err := c.DataDir()
	if err != nil {
		return "", err
	}
	switch strings.ToLower(c.Store.Backend) {
	case storage.BackendSQLite:
		return filepath.Join(dir, "calma.db"), nil
	case storage.BackendBolt:
		return filepath.Join(dir, "calma.bolt"), nil
	default:
		return dir, nil
	}
}

// LogFile returns the interactive log path, resolving the default.
func (c *Config) LogFile() (string, error) {
	if c.Log.File != "" {
		return c.Log.File, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "calma.log"), nil
}

// TitleTimeout returns the title request timeout.
func (c *Config) TitleTimeout() time.Duration {
	return time.Duration(c.Client.TitleTimeoutSecs) * time.Second
}

// UpstreamTimeout returns the per-request upstream deadline for the proxy.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Server.UpstreamTimeoutSecs) * time.Second
}

// ensureSecurePermissions tightens a config file to 0600; it may hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// LoadDotEnv loads .env from the working directory and then ~/.calma/.env.
// Variables already set in the environment win. Missing files are ignored.
func LoadDotEnv() error {
	candidates := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load loads configuration from ~/.calma. TOML is tried first, then JSON,
// then built-in defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	return finish(cfg)
}

// LoadFromPath loads configuration from a specific file. A ".json" suffix
// selects JSON; anything else is read as TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// finish applies env overrides, fills gaps and validates.
func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// fillDefaults fills in values a file explicitly blanked out.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Client.ChatURL == "" {
		cfg.Client.ChatURL = defaults.Client.ChatURL
	}
	if cfg.Client.APIURL == "" {
		cfg.Client.APIURL = defaults.Client.APIURL
	}
	if cfg.Client.TitleTimeoutSecs == 0 {
		cfg.Client.TitleTimeoutSecs = defaults.Client.TitleTimeoutSecs
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = defaults.Provider.Name
	}
	cfg.Provider.Name = strings.ToLower(cfg.Provider.Name)

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaults.Store.Backend
	}
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)

	if cfg.Title.Retry == "" {
		cfg.Title.Retry = defaults.Title.Retry
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = defaults.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = defaults.Server.AllowedOrigins
	}
	if cfg.Server.UpstreamTimeoutSecs == 0 {
		cfg.Server.UpstreamTimeoutSecs = defaults.Server.UpstreamTimeoutSecs
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# calma configuration file\n")
	b.WriteString("# API keys are better kept in the environment or ~/.calma/.env\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := validateURL(c.Client.ChatURL); err != nil {
		add("client.chat_url", "%v", err)
	}
	if err := validateURL(c.Client.APIURL); err != nil {
		add("client.api_url", "%v", err)
	}
	if c.Client.TitleTimeoutSecs < 0 {
		add("client.title_timeout_secs", "must not be negative")
	}

	switch c.Provider.Name {
	case provider.NameGroq, provider.NameOpenAI, provider.NameOllama, provider.NameGemini:
	default:
		add("provider.name", "unknown provider %q (want groq, openai, ollama or gemini)", c.Provider.Name)
	}
	if c.Provider.BaseURL != "" {
		if err := validateURL(c.Provider.BaseURL); err != nil {
			add("provider.base_url", "%v", err)
		}
	}

	switch c.Store.Backend {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendBolt, storage.BackendMemory:
	default:
		add("store.backend", "unknown backend %q (want file, sqlite, bolt or memory)", c.Store.Backend)
	}

	if _, err := title.ParseRetryPolicy(c.Title.Retry); err != nil {
		add("title.retry", "%v", err)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.UpstreamTimeoutSecs < 0 {
		add("server.upstream_timeout_secs", "must not be negative")
	}

	if c.Persona.File != "" {
		if _, err := os.Stat(c.Persona.File); err != nil {
			add("persona.file", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https: %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host: %q", raw)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CALMA_CHAT_URL, CALMA_API_URL: client endpoints
//   - CALMA_PROVIDER, CALMA_MODEL: upstream selection
//   - GROQ_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: key for the matching provider
//   - CALMA_OLLAMA_URL: base URL when the provider is ollama
//   - CALMA_STORE, CALMA_DATA_DIR: persistence
//   - CALMA_PORT: proxy port
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CALMA_CHAT_URL"); v != "" {
		c.Client.ChatURL = v
	}
	if v := os.Getenv("CALMA_API_URL"); v != "" {
		c.Client.APIURL = v
	}

	if v := os.Getenv("CALMA_PROVIDER"); v != "" {
		c.Provider.Name = strings.ToLower(v)
	}
	if v := os.Getenv("CALMA_MODEL"); v != "" {
		c.Provider.Model = v
	}

	// The key variable follows the provider so switching providers through
	// CALMA_PROVIDER picks up the right credential.
	var keyVar string
	switch strings.ToLower(c.Provider.Name) {
	case provider.NameGroq, "":
		keyVar = "GROQ_API_KEY"
	case provider.NameOpenAI:
		keyVar = "OPENAI_API_KEY"
	case provider.NameGemini:
		keyVar = "GEMINI_API_KEY"
	}
	if keyVar != "" {
		if v := os.Getenv(keyVar); v != "" {
			c.Provider.APIKey = v
		}
	}
	if strings.EqualFold(c.Provider.Name, provider.NameOllama) {
		if v := os.Getenv("CALMA_OLLAMA_URL"); v != "" {
			c.Provider.BaseURL = v
		}
	}

	if v := os.Getenv("CALMA_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("CALMA_DATA_DIR"); v != "" {
		c.Store.Dir = v
	}

	if v := os.Getenv("CALMA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		} else {
			// Validate reports the out-of-range value.
			c.Server.Port = -1
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "server.port").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g. "title.retry").
// Strings are converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		fieldName := normalizeFieldName(part)
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, fieldName)
		})
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field
// equivalent. "chat_url" and "ChatURL" compare equal under EqualFold once the
// separators are gone.
func normalizeFieldName(name string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(name)
}

// setFieldValue sets a reflect.Value from a value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %w", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, item := range strings.Split(strVal, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Keys returns all leaf configuration keys in dot notation, sorted.
func Keys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name := strings.Split(f.Tag.Get("toml"), ",")[0]
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			if prefix != "" {
				name = prefix + "." + name
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, name)
				continue
			}
			keys = append(keys, name)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	sort.Strings(keys)
	return keys
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &clone
}

// Redacted returns a copy with secrets masked, suitable for display.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Provider.APIKey != "" {
		safe.Provider.APIKey = maskSecret(safe.Provider.APIKey)
	}
	return safe
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// String returns the redacted configuration as TOML.
func (c *Config) String() string {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return b.String()
}
