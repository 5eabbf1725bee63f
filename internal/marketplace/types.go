// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package marketplace

import "time"

// SourceType identifies how a registry source is fetched and how release
// lists are resolved for plugins it serves.
type SourceType string

// Source types.
const (
	SourceLocal  SourceType = "local"
	SourceGitHub SourceType = "github"
	SourceGitee  SourceType = "gitee"
	SourceHTTP   SourceType = "http"
)

// Source is a named registry origin. Lower priorities are tried first.
type Source struct {
	Name        string        `json:"name" koanf:"name"`
	Type        SourceType    `json:"type" koanf:"type"`
	RegistryURL string        `json:"registry_url" koanf:"registry_url"`
	APIBase     string        `json:"api_base,omitempty" koanf:"api_base"`
	Priority    int           `json:"priority" koanf:"priority"`
	Timeout     time.Duration `json:"timeout" koanf:"timeout"`
	Enabled     bool          `json:"enabled" koanf:"enabled"`
}

// Author is a plugin author record.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Repository locates a plugin's code on one hosting service.
type Repository struct {
	URL         string `json:"url"`
	APIURL      string `json:"api_url,omitempty"`
	ReleasesURL string `json:"releases_url,omitempty"`
}

// Versions is the version triple published for a plugin.
type Versions struct {
	Latest           string `json:"latest"`
	Stable           string `json:"stable,omitempty"`
	MinimumSupported string `json:"minimum_supported,omitempty"`
}

// Compatibility lists the host constraints a plugin declares.
type Compatibility struct {
	MinHostVersion string   `json:"min_host_version,omitempty"`
	MaxHostVersion string   `json:"max_host_version,omitempty"`
	RuntimeVersion string   `json:"runtime_version,omitempty"`
	SupportedOS    []string `json:"supported_os,omitempty"`
}

// Stats are usage counters reported by the registry.
type Stats struct {
	Downloads int64   `json:"downloads"`
	Stars     int     `json:"stars"`
	Rating    float64 `json:"rating"`
}

// Review is the registry maintainers' review of a plugin.
type Review struct {
	Reviewer      string  `json:"reviewer"`
	Date          string  `json:"date"`
	SecurityScore float64 `json:"security_score"`
	QualityScore  float64 `json:"quality_score"`
	Notes         string  `json:"notes,omitempty"`
}

// StatusActive marks a plugin that may be listed and installed.
const StatusActive = "active"

// Plugin is one registry entry.
type Plugin struct {
	ID            string                `json:"plugin_id"`
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	Category      string                `json:"category,omitempty"`
	Tags          []string              `json:"tags,omitempty"`
	Author        Author                `json:"author"`
	License       string                `json:"license,omitempty"`
	Homepage      string                `json:"homepage,omitempty"`
	Repositories  map[string]Repository `json:"repository"`
	Versions      Versions              `json:"version"`
	Compatibility Compatibility         `json:"compatibility"`
	Dependencies  []string              `json:"dependencies,omitempty"`
	Permissions   []string              `json:"permissions,omitempty"`
	Features      []string              `json:"features,omitempty"`
	Stats         *Stats                `json:"stats,omitempty"`
	Review        *Review               `json:"review,omitempty"`
	Status        string                `json:"status"`
	Featured      bool                  `json:"featured"`
	Verified      bool                  `json:"verified"`
}

func (p Plugin) downloads() int64 {
	if p.Stats == nil {
		return 0
	}
	return p.Stats.Downloads
}

func (p Plugin) rating() float64 {
	if p.Stats == nil {
		return 0
	}
	return p.Stats.Rating
}

// Category groups plugins in the registry.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RegistryDocument is the JSON document a registry source serves.
type RegistryDocument struct {
	Version     string     `json:"version"`
	Plugins     []Plugin   `json:"plugins"`
	Categories  []Category `json:"categories"`
	LastUpdated string     `json:"last_updated"`
}

// Release is one published version of a plugin.
type Release struct {
	Version     string    `json:"version"`
	Name        string    `json:"name,omitempty"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	ZipballURL  string    `json:"zipball_url,omitempty"`
	TarballURL  string    `json:"tarball_url,omitempty"`
	Assets      []Asset   `json:"assets,omitempty"`
}

// Asset is a file attached to a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// SearchOptions filters SearchPlugins. Zero values match everything.
type SearchOptions struct {
	Query        string
	Category     string
	Tags         []string
	FeaturedOnly bool
	VerifiedOnly bool
}

// UpdateInfo describes an available update for an installed plugin.
type UpdateInfo struct {
	Current string `json:"current"`
	Latest  string `json:"latest"`
}
