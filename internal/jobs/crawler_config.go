package jobs

import (
	"fmt"
	"path"
	"strings"
)

// Mode defines what content a crawler execution downloads.
type Mode string

// Crawler modes.
const (
	ModePageOnly         Mode = "page_only"
	ModePageWithAll      Mode = "page_with_all"
	ModePageWithFiltered Mode = "page_with_filtered"
	ModeFullWebsite      Mode = "full_website"
)

// Engine selects the fetch implementation for an attempt.
type Engine string

// Crawler engines.
const (
	EngineHTMLParser Engine = "html_parser"
	EngineHeadless   Engine = "headless_browser"
)

// AssetType is a downloadable asset class.
type AssetType string

// Asset types.
const (
	AssetCSS       AssetType = "css"
	AssetJS        AssetType = "js"
	AssetImages    AssetType = "images"
	AssetFonts     AssetType = "fonts"
	AssetVideos    AssetType = "videos"
	AssetDocuments AssetType = "documents"
)

// PDFHandling controls how downloaded PDFs are published.
type PDFHandling string

// PDF handling modes.
const (
	PDFIndividual PDFHandling = "individual"
	PDFCombined   PDFHandling = "combined"
	PDFBoth       PDFHandling = "both"
)

// Proxy is an optional upstream proxy for crawl attempts.
type Proxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy in the form accepted by HTTP transports.
func (p *Proxy) URL() string {
	if p == nil {
		return ""
	}
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", p.Protocol, auth, p.Host, p.Port)
}

// Validate checks the proxy fields.
func (p *Proxy) Validate() error {
	if p.Host == "" {
		return Invalid("proxy", "proxy host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return Invalid("proxy", "proxy port %d out of range", p.Port)
	}
	switch p.Protocol {
	case "http", "https", "socks5":
	default:
		return Invalid("proxy", "unsupported proxy protocol %q", p.Protocol)
	}
	return nil
}

// RetryStep configures one attempt of the retry engine.
type RetryStep struct {
	Attempt      int    `json:"attempt"`
	Engine       Engine `json:"engine"`
	UseProxy     bool   `json:"use_proxy"`
	DelaySeconds int    `json:"delay_seconds"`
}

// CrawlerConfig is the immutable crawl configuration carried as JSON on a
// crawler job.
type CrawlerConfig struct {
	Mode                Mode        `json:"mode"`
	Engine              Engine      `json:"engine"`
	UseProxy            bool        `json:"use_proxy"`
	Proxy               *Proxy      `json:"proxy,omitempty"`
	AssetTypes          []AssetType `json:"asset_types,omitempty"`
	FileExtensions      []string    `json:"file_extensions,omitempty"`
	PDFHandling         PDFHandling `json:"pdf_handling"`
	MaxDepth            int         `json:"max_depth"`
	FollowExternalLinks bool        `json:"follow_external_links"`
	RetryEnabled        bool        `json:"retry_enabled"`
	MaxRetries          int         `json:"max_retries"`
	RetryStrategy       []RetryStep `json:"retry_strategy,omitempty"`
}

// Validate checks mode/asset consistency, proxy consistency, and the retry
// strategy shape (strictly increasing attempt starting at 0, non-negative
// delays).
func (c *CrawlerConfig) Validate() error {
	switch c.Mode {
	case ModePageOnly, ModePageWithAll, ModePageWithFiltered, ModeFullWebsite:
	default:
		return Invalid("mode", "unknown crawler mode %q", c.Mode)
	}
	switch c.Engine {
	case EngineHTMLParser, EngineHeadless:
	default:
		return Invalid("engine", "unknown crawler engine %q", c.Engine)
	}
	switch c.PDFHandling {
	case PDFIndividual, PDFCombined, PDFBoth, "":
	default:
		return Invalid("pdf_handling", "unknown pdf handling %q", c.PDFHandling)
	}
	if c.Mode == ModePageWithFiltered && len(c.AssetTypes) == 0 && len(c.FileExtensions) == 0 {
		return Invalid("asset_types", "mode %q requires asset types or file extensions", c.Mode)
	}
	for _, at := range c.AssetTypes {
		if _, ok := assetTypeExtensions[at]; !ok {
			return Invalid("asset_types", "unknown asset type %q", at)
		}
	}
	if c.UseProxy && c.Proxy == nil {
		return Invalid("proxy", "use_proxy requires a proxy configuration")
	}
	if c.Proxy != nil {
		if err := c.Proxy.Validate(); err != nil {
			return err
		}
	}
	if c.MaxDepth < 0 {
		return Invalid("max_depth", "max_depth must be >= 0, got %d", c.MaxDepth)
	}
	for i, step := range c.RetryStrategy {
		if step.Attempt != i {
			return Invalid("retry_strategy", "attempts must increase strictly from 0, entry %d has attempt %d", i, step.Attempt)
		}
		if step.DelaySeconds < 0 {
			return Invalid("retry_strategy", "delay_seconds must be >= 0, entry %d has %d", i, step.DelaySeconds)
		}
		switch step.Engine {
		case EngineHTMLParser, EngineHeadless:
		default:
			return Invalid("retry_strategy", "entry %d has unknown engine %q", i, step.Engine)
		}
		if step.UseProxy && c.Proxy == nil {
			return Invalid("retry_strategy", "entry %d requires a proxy but none is configured", i)
		}
	}
	return nil
}

// Strategy returns the effective attempt plan. With retries disabled or no
// strategy configured, a single attempt with the base engine/proxy is used.
// MaxRetries, when set, truncates the plan.
func (c *CrawlerConfig) Strategy() []RetryStep {
	if !c.RetryEnabled || len(c.RetryStrategy) == 0 {
		return []RetryStep{{Attempt: 0, Engine: c.Engine, UseProxy: c.UseProxy}}
	}
	steps := append([]RetryStep(nil), c.RetryStrategy...)
	if c.MaxRetries > 0 && len(steps) > c.MaxRetries {
		steps = steps[:c.MaxRetries]
	}
	return steps
}

// DownloadsAssets reports whether the mode downloads page assets.
func (c *CrawlerConfig) DownloadsAssets() bool {
	return c.Mode == ModePageWithAll || c.Mode == ModePageWithFiltered
}

// CrawlsMultiplePages reports whether link-following applies.
func (c *CrawlerConfig) CrawlsMultiplePages() bool {
	return c.Mode == ModeFullWebsite
}

// Named retry-strategy presets.
const (
	PresetConservative = "conservative"
	PresetAggressive   = "aggressive"
	PresetProxyFirst   = "proxy_first"
	PresetBalanced     = "balanced"
)

var presetStrategies = map[string][]RetryStep{
	PresetConservative: {
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 30},
		{Attempt: 2, Engine: EngineHeadless, UseProxy: false, DelaySeconds: 60},
	},
	PresetAggressive: {
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHeadless, UseProxy: false, DelaySeconds: 5},
		{Attempt: 2, Engine: EngineHeadless, UseProxy: true, DelaySeconds: 10},
	},
	PresetProxyFirst: {
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHeadless, UseProxy: true, DelaySeconds: 15},
		{Attempt: 2, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 30},
	},
	PresetBalanced: {
		{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 10},
		{Attempt: 2, Engine: EngineHeadless, UseProxy: false, DelaySeconds: 20},
		{Attempt: 3, Engine: EngineHeadless, UseProxy: true, DelaySeconds: 30},
	},
}

// PresetStrategy resolves a named strategy to its attempt plan.
func PresetStrategy(name string) ([]RetryStep, bool) {
	steps, ok := presetStrategies[name]
	if !ok {
		return nil, false
	}
	return append([]RetryStep(nil), steps...), true
}

// DefaultStrategy builds the fallback ladder: html parser first, escalating
// through proxy and headless attempts when a proxy is configured.
func DefaultStrategy(hasProxy bool) []RetryStep {
	steps := []RetryStep{{Attempt: 0, Engine: EngineHTMLParser, UseProxy: false}}
	if hasProxy {
		steps = append(steps,
			RetryStep{Attempt: 1, Engine: EngineHTMLParser, UseProxy: true, DelaySeconds: 10},
			RetryStep{Attempt: 2, Engine: EngineHeadless, UseProxy: false, DelaySeconds: 20},
			RetryStep{Attempt: 3, Engine: EngineHeadless, UseProxy: true, DelaySeconds: 30},
		)
		return steps
	}
	steps = append(steps, RetryStep{Attempt: 1, Engine: EngineHeadless, UseProxy: false, DelaySeconds: 10})
	return steps
}

var assetTypeExtensions = map[AssetType][]string{
	AssetCSS:       {".css"},
	AssetJS:        {".js", ".mjs"},
	AssetImages:    {".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico", ".bmp"},
	AssetFonts:     {".woff", ".woff2", ".ttf", ".otf", ".eot"},
	AssetVideos:    {".mp4", ".webm", ".ogg", ".avi", ".mov"},
	AssetDocuments: {".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt", ".rtf", ".odt"},
}

// ExtensionsForAssetType returns the file extensions for an asset type.
func ExtensionsForAssetType(at AssetType) []string {
	return append([]string(nil), assetTypeExtensions[at]...)
}

// ClassifyExtension maps a URL or filename to its asset type.
func ClassifyExtension(name string) (AssetType, bool) {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return "", false
	}
	for at, exts := range assetTypeExtensions {
		for _, e := range exts {
			if e == ext {
				return at, true
			}
		}
	}
	return "", false
}
