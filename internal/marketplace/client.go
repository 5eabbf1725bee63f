// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package marketplace is the client for decentralized plugin registries.
// It reads a registry document from the first healthy source in priority
// order, caches it in memory and on disk, and downloads release archives.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"

	"github.com/holomush/plughost/pkg/errutil"
)

// Defaults.
const (
	DefaultCacheTTL        = time.Hour
	DefaultSourceTimeout   = 10 * time.Second
	DefaultDownloadTimeout = 5 * time.Minute

	// snapshotMaxAge is the snapshot fallback window in cache TTLs.
	snapshotMaxAge = 24

	snapshotFile     = "registry_cache.json"
	localRegistry    = "registry.json"
	downloadsDir     = "downloads"
	maxDocumentBytes = 16 << 20
)

// Observer receives registry and download outcomes, typically for metrics.
type Observer interface {
	RegistryFetch(source string, err error)
	RegistryCacheHit()
	Download(err error)
}

type nopObserver struct{}

func (nopObserver) RegistryFetch(string, error) {}
func (nopObserver) RegistryCacheHit()           {}
func (nopObserver) Download(error)              {}

// Client is the marketplace client. It is safe for concurrent use;
// refreshes are serialized and swap the plugin index atomically.
type Client struct {
	cacheDir        string
	ttl             time.Duration
	downloadTimeout time.Duration
	httpClient      *http.Client
	githubClient    *github.Client
	listers         map[SourceType]ReleaseLister
	logger          *slog.Logger
	observer        Observer
	now             func() time.Time

	refreshMu sync.Mutex

	mu         sync.RWMutex
	sources    []Source
	plugins    map[string]Plugin
	categories []Category
	current    *Source
	fetchedAt  time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithSources replaces the default sources.
func WithSources(sources ...Source) Option {
	return func(c *Client) {
		c.sources = append([]Source(nil), sources...)
	}
}

// WithCacheTTL sets how long a fetched registry stays fresh.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithDownloadTimeout bounds a single archive download.
func WithDownloadTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.downloadTimeout = d
		}
	}
}

// WithHTTPClient sets the client used for registry and archive requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithGitHubClient sets the go-github client behind github sources.
func WithGitHubClient(gh *github.Client) Option {
	return func(c *Client) {
		c.githubClient = gh
	}
}

// WithReleaseLister overrides release listing for one source type.
func WithReleaseLister(t SourceType, l ReleaseLister) Option {
	return func(c *Client) {
		if l != nil {
			c.listers[t] = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver reports fetch and download outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// DefaultSources returns the built-in sources: the local registry file in
// cacheDir, then the GitHub and Gitee mirrors.
func DefaultSources(cacheDir string) []Source {
	return []Source{
		{
			Name:        "local",
			Type:        SourceLocal,
			RegistryURL: filepath.Join(cacheDir, localRegistry),
			Priority:    0,
			Timeout:     DefaultSourceTimeout,
			Enabled:     true,
		},
		{
			Name:        "github",
			Type:        SourceGitHub,
			RegistryURL: "https://raw.githubusercontent.com/plughost/registry/main/registry.json",
			APIBase:     "https://api.github.com",
			Priority:    1,
			Timeout:     DefaultSourceTimeout,
			Enabled:     true,
		},
		{
			Name:        "gitee",
			Type:        SourceGitee,
			RegistryURL: "https://gitee.com/plughost/registry/raw/master/registry.json",
			APIBase:     "https://gitee.com/api/v5",
			Priority:    2,
			Timeout:     DefaultSourceTimeout,
			Enabled:     true,
		},
	}
}

// NewClient creates a marketplace client caching under cacheDir.
func NewClient(cacheDir string, opts ...Option) (*Client, error) {
	if cacheDir == "" {
		return nil, oops.Code(errutil.CodeInvalidArgument).In("marketplace").Errorf("cache directory is required")
	}
	c := &Client{
		cacheDir:        cacheDir,
		ttl:             DefaultCacheTTL,
		downloadTimeout: DefaultDownloadTimeout,
		httpClient:      &http.Client{},
		listers:         make(map[SourceType]ReleaseLister),
		logger:          slog.Default(),
		observer:        nopObserver{},
		now:             time.Now,
		plugins:         make(map[string]Plugin),
	}
	c.sources = DefaultSources(cacheDir)
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.sources {
		if c.sources[i].Timeout <= 0 {
			c.sources[i].Timeout = DefaultSourceTimeout
		}
	}
	c.sortSourcesLocked()
	c.bindListers()

	if err := os.MkdirAll(filepath.Join(cacheDir, downloadsDir), 0o750); err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).In("marketplace").With("dir", cacheDir).Wrap(err)
	}
	return c, nil
}

// bindListers creates release listers for source types without one.
func (c *Client) bindListers() {
	if _, ok := c.listers[SourceGitHub]; !ok {
		c.listers[SourceGitHub] = NewGitHubReleases(c.githubClient)
	}
	for _, src := range c.sources {
		if _, ok := c.listers[src.Type]; ok || src.Type == SourceLocal || src.APIBase == "" {
			continue
		}
		c.listers[src.Type] = NewAPIReleases(src.APIBase, c.httpClient)
	}
}

func (c *Client) sortSourcesLocked() {
	sort.SliceStable(c.sources, func(i, j int) bool { return c.sources[i].Priority < c.sources[j].Priority })
}

// Sources returns the configured sources in priority order.
func (c *Client) Sources() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Source(nil), c.sources...)
}

// AddSource adds a registry source. Names are unique.
func (c *Client) AddSource(src Source) error {
	if src.Name == "" || src.RegistryURL == "" {
		return oops.Code(errutil.CodeInvalidArgument).In("marketplace").Errorf("source name and registry url are required")
	}
	if src.Timeout <= 0 {
		src.Timeout = DefaultSourceTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sources {
		if s.Name == src.Name {
			return oops.Code(errutil.CodeInvalidArgument).
				In("marketplace").
				With("source", src.Name).
				Errorf("source %s already exists", src.Name)
		}
	}
	c.sources = append(c.sources, src)
	c.sortSourcesLocked()
	if _, ok := c.listers[src.Type]; !ok && src.APIBase != "" && src.Type != SourceLocal {
		c.listers[src.Type] = NewAPIReleases(src.APIBase, c.httpClient)
	}
	return nil
}

// SetSourceEnabled enables or disables a source by name.
func (c *Client) SetSourceEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.sources {
		if c.sources[i].Name == name {
			c.sources[i].Enabled = enabled
			return nil
		}
	}
	return oops.Code(errutil.CodeInvalidArgument).
		In("marketplace").
		With("source", name).
		Errorf("unknown source %s", name)
}

// CurrentSource returns the source that served the loaded registry.
func (c *Client) CurrentSource() (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Source{}, false
	}
	return *c.current, true
}

func (c *Client) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
}

// RefreshRegistry loads the registry document. A fresh cache is reused
// unless force is set. Otherwise each enabled source is tried once in
// priority order and the first parseable document replaces the index.
// When every source fails, a disk snapshot younger than 24 cache TTLs is
// used instead.
func (c *Client) RefreshRegistry(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if !force && c.fresh() {
		c.observer.RegistryCacheHit()
		return nil
	}

	var errs []error
	for _, src := range c.Sources() {
		if !src.Enabled {
			continue
		}
		doc, err := c.fetchRegistry(ctx, src)
		c.observer.RegistryFetch(src.Name, err)
		if err != nil {
			errutil.LogWarn(c.logger, "registry source failed", err, "source", src.Name)
			errs = append(errs, err)
			continue
		}

		fetchedAt := c.now()
		c.replace(doc, src, fetchedAt)
		if err := c.saveSnapshot(doc, src, fetchedAt); err != nil {
			errutil.LogWarn(c.logger, "failed to persist registry snapshot", err, "source", src.Name)
		}
		c.logger.Info("registry refreshed", "source", src.Name, "plugins", len(doc.Plugins))
		return nil
	}

	snap, err := c.loadSnapshot()
	if err == nil && c.now().Sub(snap.Timestamp) < snapshotMaxAge*c.ttl {
		c.logger.Warn("all registry sources failed, using snapshot",
			"source", snap.Source.Name,
			"snapshot_age", c.now().Sub(snap.Timestamp).String())
		c.replace(&snap.Document, snap.Source, snap.Timestamp)
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}

	// %v keeps the per-source codes out of the chain so the result reads
	// as REGISTRY_UNAVAILABLE.
	return oops.Code(errutil.CodeRegistryUnavailable).
		In("marketplace").
		With("attempts", len(errs)).
		Errorf("no registry source available: %v", errors.Join(errs...))
}

func (c *Client) replace(doc *RegistryDocument, src Source, fetchedAt time.Time) {
	plugins := make(map[string]Plugin, len(doc.Plugins))
	for _, p := range doc.Plugins {
		if p.ID == "" {
			continue
		}
		plugins[p.ID] = p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = plugins
	c.categories = append([]Category(nil), doc.Categories...)
	c.current = &src
	c.fetchedAt = fetchedAt
}

func (c *Client) fetchRegistry(ctx context.Context, src Source) (*RegistryDocument, error) {
	fail := oops.Code(errutil.CodeSourceFetchFailed).
		In("marketplace").
		With("source", src.Name).
		With("url", src.RegistryURL)

	var data []byte
	if src.Type == SourceLocal {
		path := strings.TrimPrefix(src.RegistryURL, "file://")
		raw, err := os.ReadFile(path) //nolint:gosec // path comes from host configuration
		if err != nil {
			return nil, fail.Wrapf(err, "read local registry")
		}
		data = raw
	} else {
		ctx, cancel := context.WithTimeout(ctx, src.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.RegistryURL, nil)
		if err != nil {
			return nil, fail.Wrap(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fail.Wrapf(err, "fetch registry")
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fail.With("status", resp.StatusCode).Errorf("fetch registry: unexpected status %s", resp.Status)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
		if err != nil {
			return nil, fail.Wrapf(err, "read registry")
		}
	}

	return parseDocument(data, fail)
}

func parseDocument(data []byte, fail oops.OopsErrorBuilder) (*RegistryDocument, error) {
	if !gjson.ValidBytes(data) {
		return nil, fail.Errorf("registry document is not valid JSON")
	}
	if !gjson.GetBytes(data, "plugins").IsArray() {
		return nil, fail.Errorf("registry document has no plugins array")
	}
	var doc RegistryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fail.Wrapf(err, "decode registry document")
	}
	return &doc, nil
}

type snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Source    Source           `json:"source"`
	Document  RegistryDocument `json:"document"`
}

func (c *Client) snapshotPath() string {
	return filepath.Join(c.cacheDir, snapshotFile)
}

func (c *Client) saveSnapshot(doc *RegistryDocument, src Source, at time.Time) error {
	data, err := json.Marshal(snapshot{Timestamp: at, Source: src, Document: *doc})
	if err != nil {
		return oops.Code(errutil.CodeStorageFailed).Wrap(err)
	}
	return writeFileAtomic(c.snapshotPath(), data)
}

func (c *Client) loadSnapshot() (*snapshot, error) {
	data, err := os.ReadFile(c.snapshotPath())
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, oops.Code(errutil.CodeStorageFailed).With("path", c.snapshotPath()).Wrapf(err, "decode registry snapshot")
	}
	return &snap, nil
}

// writeFileAtomic writes data to a temp file beside path and renames it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return oops.Code(errutil.CodeStorageFailed).With("path", path).Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return oops.Code(errutil.CodeStorageFailed).With("path", path).Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return oops.Code(errutil.CodeStorageFailed).With("path", path).Wrap(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return oops.Code(errutil.CodeStorageFailed).With("path", path).Wrap(err)
	}
	return nil
}

// SearchPlugins refreshes the registry if stale and returns the active
// plugins matching opts, featured first, then verified, then by downloads
// and rating.
func (c *Client) SearchPlugins(ctx context.Context, opts SearchOptions) ([]Plugin, error) {
	if err := c.RefreshRegistry(ctx, false); err != nil {
		return nil, err
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	c.mu.RLock()
	var out []Plugin
	for _, p := range c.plugins {
		if matches(p, opts, query) {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Featured != b.Featured {
			return a.Featured
		}
		if a.Verified != b.Verified {
			return a.Verified
		}
		if a.downloads() != b.downloads() {
			return a.downloads() > b.downloads()
		}
		if a.rating() != b.rating() {
			return a.rating() > b.rating()
		}
		return a.ID < b.ID
	})
	return out, nil
}

func matches(p Plugin, opts SearchOptions, query string) bool {
	if p.Status != StatusActive {
		return false
	}
	if opts.FeaturedOnly && !p.Featured {
		return false
	}
	if opts.VerifiedOnly && !p.Verified {
		return false
	}
	if opts.Category != "" && p.Category != opts.Category {
		return false
	}
	if len(opts.Tags) > 0 && !slices.ContainsFunc(opts.Tags, func(t string) bool { return slices.Contains(p.Tags, t) }) {
		return false
	}
	if query != "" {
		haystack := strings.ToLower(p.Name + " " + p.Description + " " + strings.Join(p.Tags, " "))
		if !strings.Contains(haystack, query) {
			return false
		}
	}
	return true
}

// PluginDetails returns the registry entry for id.
func (c *Client) PluginDetails(ctx context.Context, id string) (*Plugin, error) {
	if err := c.RefreshRegistry(ctx, false); err != nil {
		return nil, err
	}
	c.mu.RLock()
	p, ok := c.plugins[id]
	c.mu.RUnlock()
	if !ok {
		return nil, oops.Code(errutil.CodeMarketplaceNotFound).
			In("marketplace").
			With("plugin", id).
			Errorf("plugin %s is not in the registry", id)
	}
	return &p, nil
}

// Categories returns the registry's categories.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	if err := c.RefreshRegistry(ctx, false); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Category(nil), c.categories...), nil
}

// CheckPluginUpdates compares installed versions, keyed by plugin id,
// with the registry's latest versions and returns the plugins that have
// a newer release.
func (c *Client) CheckPluginUpdates(ctx context.Context, installed map[string]string) (map[string]UpdateInfo, error) {
	if err := c.RefreshRegistry(ctx, false); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	updates := make(map[string]UpdateInfo)
	for id, current := range installed {
		p, ok := c.plugins[id]
		if !ok || p.Versions.Latest == "" {
			continue
		}
		if CompareVersions(p.Versions.Latest, current) > 0 {
			updates[id] = UpdateInfo{Current: current, Latest: p.Versions.Latest}
		}
	}
	return updates, nil
}

// ClearCache drops the in-memory index, the disk snapshot and every
// downloaded archive.
func (c *Client) ClearCache() error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	c.plugins = make(map[string]Plugin)
	c.categories = nil
	c.current = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()

	var errs []error
	if err := os.Remove(c.snapshotPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	dl := filepath.Join(c.cacheDir, downloadsDir)
	if err := os.RemoveAll(dl); err != nil {
		errs = append(errs, err)
	}
	if err := os.MkdirAll(dl, 0o750); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return oops.Code(errutil.CodeStorageFailed).In("marketplace").Wrap(err)
	}
	return nil
}
