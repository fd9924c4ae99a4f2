package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/amanrag/internal/cache"
	"github.com/Aman-CERP/amanrag/internal/embed"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/query"
	"github.com/Aman-CERP/amanrag/internal/retrieval"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/segment"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// Project config file names, in lookup order.
const (
	ProjectConfigFile    = ".amanrag.yaml"
	ProjectConfigFileAlt = ".amanrag.yml"
)

// Config is the complete amanrag configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version" validate:"gte=1"`
	DataDir    string           `yaml:"data_dir" json:"data_dir" validate:"required"`
	Search     SearchSection    `yaml:"search" json:"search"`
	Retrieval  RetrievalSection `yaml:"retrieval" json:"retrieval"`
	Title      TitleSection     `yaml:"title" json:"title"`
	Filters    FilterSection    `yaml:"filters" json:"filters"`
	Query      QuerySection     `yaml:"query" json:"query"`
	Cache      CacheSection     `yaml:"cache" json:"cache"`
	Lexical    LexicalSection   `yaml:"lexical" json:"lexical"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Logging    LoggingSection   `yaml:"logging" json:"logging"`
}

// SearchSection configures fusion and composite ranking.
// Weights must sum to 1.0.
type SearchSection struct {
	TopKMax       int     `yaml:"top_k_max" json:"top_k_max" validate:"gte=1,lte=1000"`
	RRFConstant   int     `yaml:"rrf_constant" json:"rrf_constant" validate:"gte=1"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight" validate:"gte=0,lte=1"`
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight" validate:"gte=0,lte=1"`
	TitleWeight   float64 `yaml:"title_weight" json:"title_weight" validate:"gte=0,lte=1"`
	LabelWeight   float64 `yaml:"label_weight" json:"label_weight" validate:"gte=0,lte=1"`
	CompositeTopN int     `yaml:"composite_top_n" json:"composite_top_n" validate:"gte=1"`
	ProxyFactor   float64 `yaml:"proxy_factor" json:"proxy_factor" validate:"gte=0,lte=1"`

	DomainBoostPerTerm float64 `yaml:"domain_boost_per_term" json:"domain_boost_per_term" validate:"gte=0,lte=1"`
	DomainBoostCap     float64 `yaml:"domain_boost_cap" json:"domain_boost_cap" validate:"gte=0,lte=1"`
}

// RetrievalSection configures candidate retrieval from both backends.
type RetrievalSection struct {
	OverfetchFactor       int           `yaml:"overfetch_factor" json:"overfetch_factor" validate:"gte=1"`
	DistanceThreshold     float64       `yaml:"distance_threshold" json:"distance_threshold" validate:"gt=0,lte=2"`
	LexicalFloor          int           `yaml:"lexical_floor" json:"lexical_floor" validate:"gte=1"`
	LexicalFactor         float64       `yaml:"lexical_factor" json:"lexical_factor" validate:"gt=0"`
	MaxKeywordConcurrency int           `yaml:"max_keyword_concurrency" json:"max_keyword_concurrency" validate:"gte=1,lte=64"`
	WarmupBudget          time.Duration `yaml:"warmup_budget" json:"warmup_budget" validate:"gte=0"`
	WarmupPoll            time.Duration `yaml:"warmup_poll" json:"warmup_poll" validate:"gt=0"`
	BreakerFailures       int           `yaml:"breaker_failures" json:"breaker_failures" validate:"gte=1"`
	BreakerReset          time.Duration `yaml:"breaker_reset" json:"breaker_reset" validate:"gt=0"`
}

// TitleSection configures title boosting and title rescue.
type TitleSection struct {
	HighThreshold float64       `yaml:"high_threshold" json:"high_threshold" validate:"gt=0,lte=1"`
	HighBoost     float64       `yaml:"high_boost" json:"high_boost" validate:"gte=1"`
	MidThreshold  float64       `yaml:"mid_threshold" json:"mid_threshold" validate:"gt=0,lte=1"`
	MidBoost      float64       `yaml:"mid_boost" json:"mid_boost" validate:"gte=1"`
	ExactDistance float64       `yaml:"exact_distance" json:"exact_distance" validate:"gte=0,lt=1"`
	CandidateCap  int           `yaml:"candidate_cap" json:"candidate_cap" validate:"gte=1,lte=50"`
	RescueLimit   int           `yaml:"rescue_limit" json:"rescue_limit" validate:"gte=1"`
	RescueTimeout time.Duration `yaml:"rescue_timeout" json:"rescue_timeout" validate:"gt=0"`
}

// FilterSection configures post-ranking filters and default label policy.
type FilterSection struct {
	MinContentLength int      `yaml:"min_content_length" json:"min_content_length" validate:"gte=1"`
	ExcludeLabels    []string `yaml:"exclude_labels" json:"exclude_labels"`
}

// QuerySection extends the built-in keyword tables.
type QuerySection struct {
	StopWords   []string            `yaml:"stop_words" json:"stop_words"`
	Synonyms    map[string][]string `yaml:"synonyms" json:"synonyms"`
	DomainTerms []string            `yaml:"domain_terms" json:"domain_terms"`
}

// CacheSection configures the result and title-rescue caches.
type CacheSection struct {
	Results CacheConfig `yaml:"results" json:"results"`
	Titles  CacheConfig `yaml:"titles" json:"titles"`
}

// CacheConfig configures one cache.
type CacheConfig struct {
	TTL     time.Duration `yaml:"ttl" json:"ttl" validate:"gte=0"`
	MaxSize int           `yaml:"max_size" json:"max_size" validate:"gte=1"`
	Policy  string        `yaml:"policy" json:"policy" validate:"oneof=lru fifo lfu"`
}

// LexicalSection selects the lexical backend.
type LexicalSection struct {
	Backend string `yaml:"backend" json:"backend" validate:"oneof=bleve sqlite"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider" validate:"oneof=static ollama"`
	Model      string `yaml:"model" json:"model"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host" validate:"omitempty,url"`
	Dimensions int    `yaml:"dimensions" json:"dimensions" validate:"gte=0"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size" validate:"gte=1,lte=256"`
	// CacheSize is the query embedding LRU size; negative disables it.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// LoggingSection configures log output.
type LoggingSection struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
}

// NewConfig creates a Config with the tuned defaults.
func NewConfig() *Config {
	sd := search.DefaultConfig()
	rd := retrieval.DefaultConfig()
	return &Config{
		Version: 1,
		DataDir: defaultDataDir(),
		Search: SearchSection{
			TopKMax:            sd.TopKMax,
			RRFConstant:        sd.RRFConstant,
			VectorWeight:       sd.Weights.Vector,
			LexicalWeight:      sd.Weights.Lexical,
			TitleWeight:        sd.Weights.Title,
			LabelWeight:        sd.Weights.Label,
			CompositeTopN:      sd.CompositeTopN,
			ProxyFactor:        sd.ProxyFactor,
			DomainBoostPerTerm: sd.DomainBoostPerTerm,
			DomainBoostCap:     sd.DomainBoostCap,
		},
		Retrieval: RetrievalSection{
			OverfetchFactor:       rd.OverfetchFactor,
			DistanceThreshold:     float64(rd.DistanceThreshold),
			LexicalFloor:          rd.LexicalFloor,
			LexicalFactor:         rd.LexicalFactor,
			MaxKeywordConcurrency: rd.MaxKeywordConcurrency,
			WarmupBudget:          rd.WarmupBudget,
			WarmupPoll:            rd.WarmupPoll,
			BreakerFailures:       rd.BreakerFailures,
			BreakerReset:          rd.BreakerReset,
		},
		Title: TitleSection{
			HighThreshold: sd.HighTitleThreshold,
			HighBoost:     sd.HighTitleBoost,
			MidThreshold:  sd.MidTitleThreshold,
			MidBoost:      sd.MidTitleBoost,
			ExactDistance: float64(sd.TitleExactDistance),
			CandidateCap:  sd.TitleCandidateCap,
			RescueLimit:   sd.TitleRescueLimit,
			RescueTimeout: sd.TitleRescueTimeout,
		},
		Filters: FilterSection{
			MinContentLength: sd.MinContentLength,
			ExcludeLabels:    append([]string(nil), search.DefaultExcludeLabels...),
		},
		Cache: CacheSection{
			Results: CacheConfig{TTL: 5 * time.Minute, MaxSize: 500, Policy: string(cache.PolicyLRU)},
			Titles:  CacheConfig{TTL: 30 * time.Minute, MaxSize: 200, Policy: string(cache.PolicyLRU)},
		},
		Lexical: LexicalSection{Backend: store.LexicalBackendBleve},
		Embeddings: EmbeddingsConfig{
			Provider:  string(embed.ProviderStatic),
			Model:     "nomic-embed-text",
			BatchSize: embed.DefaultBatchSize,
		},
		Logging: LoggingSection{Level: "info"},
	}
}

// defaultDataDir is where indexes live when no data_dir is configured.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".amanrag", "data")
	}
	return filepath.Join(home, ".amanrag", "data")
}

// GetUserConfigPath returns the path to the user configuration file:
// $XDG_CONFIG_HOME/amanrag/config.yaml, or ~/.config/amanrag/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amanrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amanrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "amanrag", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration for dir. Precedence, lowest first:
//  1. Defaults
//  2. User config (~/.config/amanrag/config.yaml)
//  3. Project config (.amanrag.yaml in dir)
//  4. Environment variables (AMANRAG_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads .amanrag.yaml, or .amanrag.yml, from dir if present.
func (c *Config) loadFromFile(dir string) error {
	if dir == "" {
		return nil
	}
	for _, name := range []string{ProjectConfigFile, ProjectConfigFileAlt} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML decodes path over c. Keys absent from the file keep their
// current values.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return amanerrors.New(amanerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return amanerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithSuggestion("Check the YAML syntax and field types")
	}
	return nil
}

// envOverride binds one AMANRAG_* variable to a setter.
type envOverride struct {
	name string
	set  func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"AMANRAG_DATA_DIR", func(c *Config, v string) error { c.DataDir = v; return nil }},
	{"AMANRAG_LEXICAL_BACKEND", func(c *Config, v string) error { c.Lexical.Backend = strings.ToLower(v); return nil }},
	{"AMANRAG_EMBEDDER", func(c *Config, v string) error { c.Embeddings.Provider = strings.ToLower(v); return nil }},
	{"AMANRAG_EMBEDDINGS_MODEL", func(c *Config, v string) error { c.Embeddings.Model = v; return nil }},
	{"AMANRAG_OLLAMA_HOST", func(c *Config, v string) error { c.Embeddings.OllamaHost = v; return nil }},
	{"AMANRAG_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = strings.ToLower(v); return nil }},
	{"AMANRAG_RRF_CONSTANT", intEnv(func(c *Config) *int { return &c.Search.RRFConstant })},
	{"AMANRAG_TOP_K_MAX", intEnv(func(c *Config) *int { return &c.Search.TopKMax })},
	{"AMANRAG_VECTOR_WEIGHT", floatEnv(func(c *Config) *float64 { return &c.Search.VectorWeight })},
	{"AMANRAG_LEXICAL_WEIGHT", floatEnv(func(c *Config) *float64 { return &c.Search.LexicalWeight })},
	{"AMANRAG_TITLE_WEIGHT", floatEnv(func(c *Config) *float64 { return &c.Search.TitleWeight })},
	{"AMANRAG_LABEL_WEIGHT", floatEnv(func(c *Config) *float64 { return &c.Search.LabelWeight })},
	{"AMANRAG_CACHE_TTL", durationEnv(func(c *Config) *time.Duration { return &c.Cache.Results.TTL })},
	{"AMANRAG_WARMUP_BUDGET", durationEnv(func(c *Config) *time.Duration { return &c.Retrieval.WarmupBudget })},
}

func intEnv(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatEnv(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func durationEnv(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// applyEnvOverrides applies AMANRAG_* environment variables. Explicit zero
// values are honored; malformed values are an error rather than ignored.
func (c *Config) applyEnvOverrides() error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(c, v); err != nil {
			return amanerrors.ConfigError(fmt.Sprintf("invalid value for %s: %q", o.name, v), err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges with struct tags, then cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return amanerrors.ConfigError(
				fmt.Sprintf("%s fails %q (got %v)", fieldPath(fe.Namespace()), fe.ActualTag()+paramSuffix(fe.Param()), fe.Value()), err).
				WithDetail("field", fieldPath(fe.Namespace()))
		}
		return amanerrors.ConfigError("invalid configuration", err)
	}

	s := c.Search
	sum := s.VectorWeight + s.LexicalWeight + s.TitleWeight + s.LabelWeight
	if math.Abs(sum-1.0) > 0.01 {
		return amanerrors.ConfigError(
			fmt.Sprintf("search weights must sum to 1.0, got %.2f", sum), nil).
			WithSuggestion("Adjust vector_weight, lexical_weight, title_weight and label_weight")
	}
	if c.Title.MidThreshold > c.Title.HighThreshold {
		return amanerrors.ConfigError(
			fmt.Sprintf("title.mid_threshold (%.2f) must not exceed title.high_threshold (%.2f)",
				c.Title.MidThreshold, c.Title.HighThreshold), nil)
	}
	if c.Title.MidBoost > c.Title.HighBoost {
		return amanerrors.ConfigError(
			fmt.Sprintf("title.mid_boost (%.1f) must not exceed title.high_boost (%.1f)",
				c.Title.MidBoost, c.Title.HighBoost), nil)
	}
	if s.DomainBoostPerTerm > s.DomainBoostCap {
		return amanerrors.ConfigError("search.domain_boost_per_term must not exceed search.domain_boost_cap", nil)
	}
	return nil
}

// fieldPath turns "Config.Search.TopKMax" into "Search.TopKMax".
func fieldPath(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

// SearchConfig projects the file schema onto the ranking engine config.
func (c *Config) SearchConfig() search.Config {
	return search.Config{
		TopKMax:     c.Search.TopKMax,
		RRFConstant: c.Search.RRFConstant,
		Weights: search.Weights{
			Vector:  c.Search.VectorWeight,
			Lexical: c.Search.LexicalWeight,
			Title:   c.Search.TitleWeight,
			Label:   c.Search.LabelWeight,
		},
		CompositeTopN:      c.Search.CompositeTopN,
		ProxyFactor:        c.Search.ProxyFactor,
		HighTitleThreshold: c.Title.HighThreshold,
		HighTitleBoost:     c.Title.HighBoost,
		MidTitleThreshold:  c.Title.MidThreshold,
		MidTitleBoost:      c.Title.MidBoost,
		TitleExactDistance: float32(c.Title.ExactDistance),
		TitleCandidateCap:  c.Title.CandidateCap,
		TitleRescueLimit:   c.Title.RescueLimit,
		TitleRescueTimeout: c.Title.RescueTimeout,
		DomainBoostPerTerm: c.Search.DomainBoostPerTerm,
		DomainBoostCap:     c.Search.DomainBoostCap,
		MinContentLength:   c.Filters.MinContentLength,
	}
}

// RetrievalConfig projects the file schema onto the orchestrator config.
func (c *Config) RetrievalConfig() retrieval.Config {
	r := c.Retrieval
	return retrieval.Config{
		OverfetchFactor:       r.OverfetchFactor,
		DistanceThreshold:     float32(r.DistanceThreshold),
		LexicalFloor:          r.LexicalFloor,
		LexicalFactor:         r.LexicalFactor,
		MaxKeywordConcurrency: r.MaxKeywordConcurrency,
		WarmupBudget:          r.WarmupBudget,
		WarmupPoll:            r.WarmupPoll,
		BreakerFailures:       r.BreakerFailures,
		BreakerReset:          r.BreakerReset,
	}
}

// CacheConfigs returns the result cache and title cache configs.
func (c *Config) CacheConfigs() (results, titles cache.Config) {
	conv := func(cc CacheConfig) cache.Config {
		return cache.Config{TTL: cc.TTL, MaxSize: cc.MaxSize, Policy: cache.Policy(cc.Policy)}
	}
	return conv(c.Cache.Results), conv(c.Cache.Titles)
}

// SearchOptions returns the per-query defaults with the configured label
// exclusions.
func (c *Config) SearchOptions() search.Options {
	opts := search.DefaultOptions()
	opts.LabelFilters.Exclude = append([]string(nil), c.Filters.ExcludeLabels...)
	return opts
}

// ExtractorOptions returns the keyword extractor options for seg.
func (c *Config) ExtractorOptions(seg segment.Segmenter) []query.ExtractorOption {
	opts := []query.ExtractorOption{query.WithSegmenter(seg)}
	if len(c.Query.StopWords) > 0 {
		opts = append(opts, query.WithStopWords(c.Query.StopWords...))
	}
	if len(c.Query.Synonyms) > 0 {
		opts = append(opts, query.WithSynonyms(c.Query.Synonyms))
	}
	if len(c.Query.DomainTerms) > 0 {
		opts = append(opts, query.WithDomainTerms(slices.Concat(query.DefaultDomainTerms, c.Query.DomainTerms)...))
	}
	return opts
}

// EmbedOptions returns the embedder options for seg.
func (c *Config) EmbedOptions(seg segment.Segmenter) embed.Options {
	return embed.Options{
		Provider:   embed.Provider(c.Embeddings.Provider),
		Model:      c.Embeddings.Model,
		Host:       c.Embeddings.OllamaHost,
		Dimensions: c.Embeddings.Dimensions,
		BatchSize:  c.Embeddings.BatchSize,
		CacheSize:  c.Embeddings.CacheSize,
		Segmenter:  seg,
	}
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
