// Package config loads the proxy configuration: a YAML file decoded over
// built-in defaults, then environment overrides. The result is built once at
// startup and only read afterwards.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// #############################################################################
// # Structs
// #############################################################################

type Regex struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

type KV struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type Config struct {
	Port         string   `yaml:"port"`
	AllowedHosts []string `yaml:"allowedHosts"`

	Fetch       Fetch       `yaml:"fetch"`
	Filters     Filters     `yaml:"filters"`
	Iframe      Iframe      `yaml:"iframe"`
	BodyStyle   string      `yaml:"bodyStyle,omitempty"`
	Assets      Assets      `yaml:"assets"`
	FrameBypass FrameBypass `yaml:"frameBypass"`
	ScriptPatch ScriptPatch `yaml:"scriptPatch"`

	// ResponseHeaders are emitted on every successful proxy response.
	ResponseHeaders []KV `yaml:"responseHeaders,omitempty"`

	Log     Log  `yaml:"log"`
	Metrics bool `yaml:"metrics"`
}

type Fetch struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"userAgent"`
	Headers      []KV          `yaml:"headers,omitempty"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	MaxRedirects int           `yaml:"maxRedirects"`
}

type Filters struct {
	TrackerMarkers []string `yaml:"trackerMarkers"`
	TrackerKinds   []string `yaml:"trackerKinds"`
	RedirectTokens []string `yaml:"redirectTokens"`
	LinkKeywords   []string `yaml:"linkKeywords"`
	FormKeywords   []string `yaml:"formKeywords"`
	HidingPatterns []string `yaml:"hidingPatterns"`
}

type Iframe struct {
	BlockKeywords []string `yaml:"blockKeywords"`
	Width         string   `yaml:"width"`
	Height        string   `yaml:"height"`
	Style         string   `yaml:"style"`
	Allow         string   `yaml:"allow"`
}

type Assets struct {
	Enabled     bool     `yaml:"enabled"`
	Stylesheets []string `yaml:"stylesheets,omitempty"`
	Scripts     []string `yaml:"scripts,omitempty"`
}

// FrameBypass defeats the upstream page's own anti-framing protection.
// It must stay an explicit opt-in.
type FrameBypass struct {
	Enabled     bool     `yaml:"enabled"`
	Script      string   `yaml:"script,omitempty"`
	OmitHeaders []string `yaml:"omitHeaders,omitempty"`
}

type ScriptPatch struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	Replacements []Regex       `yaml:"replacements,omitempty"`
}

type Log struct {
	Level string `yaml:"level"`
	URLs  bool   `yaml:"urls"`
}

// #############################################################################
// # Defaults
// #############################################################################

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultFrameBypassScript makes the embedded page believe it is the top-level
// browsing context.
const DefaultFrameBypassScript = `(function(){try{Object.defineProperty(window,"top",{get:function(){return window;}});}catch(e){}try{Object.defineProperty(window,"parent",{get:function(){return window;}});}catch(e){}try{Object.defineProperty(window,"frameElement",{get:function(){return null;}});}catch(e){}})();`

func Default() Config {
	return Config{
		Port:         "8080",
		AllowedHosts: []string{"vidsrc.xyz", "edgedeliverynetwork.com", "vidsrc.cc", "embed.su"},
		Fetch: Fetch{
			Timeout:   15 * time.Second,
			UserAgent: DefaultUserAgent,
			Headers: []KV{
				{Key: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
				{Key: "Accept-Language", Value: "en-US,en;q=0.5"},
			},
			MaxBodyBytes: 5 << 20,
			MaxRedirects: 5,
		},
		Filters: Filters{
			TrackerMarkers: []string{"histats"},
			TrackerKinds:   []string{"script", "img", "a", "div", "span"},
			RedirectTokens: []string{
				"window.location", "document.location", "top.location", "self.location", "location.href",
				"setTimeout", "setInterval", "eval", "atob", "redirect",
			},
			LinkKeywords:   []string{"ads", "redirect", "track", "out", "exit"},
			FormKeywords:   []string{"redirect", "ads"},
			HidingPatterns: []string{"display:none", "visibility:hidden", "position:absolute"},
		},
		Iframe: Iframe{
			BlockKeywords: []string{"ads", "redirect", "tracker"},
			Width:         "100%",
			Height:        "400px",
			Style:         "border:none;",
			Allow:         "autoplay; encrypted-media; fullscreen; picture-in-picture",
		},
		Assets: Assets{
			Stylesheets: []string{"https://embed.su/static/player.css?v1.0.61"},
			Scripts: []string{
				"https://embed.su/static/player.js?v1.0.61",
				"https://embed.su/static/react.js?v1.0.61",
				"https://embed.su/static/hls.js?v1.0.61",
			},
		},
		FrameBypass: FrameBypass{
			Script:      DefaultFrameBypassScript,
			OmitHeaders: []string{"X-Frame-Options", "Content-Security-Policy"},
		},
		ScriptPatch: ScriptPatch{
			Timeout: 10 * time.Second,
			Replacements: []Regex{
				{Match: `(?:window\.)?top\s*!==?\s*(?:window\.)?self`, Replace: "false"},
				{Match: `(?:window\.)?self\s*!==?\s*(?:window\.)?top`, Replace: "false"},
				{Match: `["']sandbox["']\s*in\s*[\w.]+`, Replace: "false"},
			},
		},
		ResponseHeaders: []KV{
			{Key: "X-Content-Type-Options", Value: "nosniff"},
			{Key: "Referrer-Policy", Value: "no-referrer"},
		},
		Log:     Log{Level: "info"},
		Metrics: true,
	}
}

// #############################################################################
// # Loading
// #############################################################################

// Load builds the effective configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		yamlFile, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
			return Config{}, fmt.Errorf("syntax error in config file '%s': %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		c.Port = v
	}
	if v, ok := os.LookupEnv("ALLOWED_HOSTS"); ok && v != "" {
		c.AllowedHosts = splitList(v)
	}
	if v, ok := os.LookupEnv("HTTP_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_TIMEOUT=%q: %w", v, err)
		}
		c.Fetch.Timeout = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("USER_AGENT"); ok && v != "" {
		c.Fetch.UserAgent = v
	}
	if v, ok := os.LookupEnv("IFRAME_HEIGHT"); ok && v != "" {
		c.Iframe.Height = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"INJECT_ASSETS", &c.Assets.Enabled},
		{"FRAME_BYPASS", &c.FrameBypass.Enabled},
		{"SCRIPT_PATCH", &c.ScriptPatch.Enabled},
		{"LOG_URLS", &c.Log.URLs},
		{"METRICS", &c.Metrics},
	}
	for _, b := range bools {
		v, ok := os.LookupEnv(b.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", b.key, v, err)
		}
		*b.dst = parsed
	}
	return nil
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if len(c.AllowedHosts) == 0 {
		return fmt.Errorf("allowedHosts must not be empty")
	}
	for _, h := range c.AllowedHosts {
		if strings.TrimSpace(h) != h || h == "" {
			return fmt.Errorf("invalid allowed host %q", h)
		}
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive, got %s", c.Fetch.Timeout)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.maxBodyBytes must be positive, got %d", c.Fetch.MaxBodyBytes)
	}
	if c.Iframe.Height == "" || c.Iframe.Width == "" {
		return fmt.Errorf("iframe width and height must be set")
	}
	if c.ScriptPatch.Enabled {
		if c.ScriptPatch.URL == "" {
			return fmt.Errorf("scriptPatch.url is required when scriptPatch is enabled")
		}
		if c.ScriptPatch.Timeout <= 0 {
			return fmt.Errorf("scriptPatch.timeout must be positive, got %s", c.ScriptPatch.Timeout)
		}
	}
	for _, r := range c.ScriptPatch.Replacements {
		if _, err := regexp.Compile(r.Match); err != nil {
			return fmt.Errorf("invalid scriptPatch replacement %q: %w", r.Match, err)
		}
	}
	if c.FrameBypass.Enabled && c.FrameBypass.Script == "" {
		return fmt.Errorf("frameBypass.script must not be empty when frameBypass is enabled")
	}
	return nil
}

// Marshal renders the effective configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
