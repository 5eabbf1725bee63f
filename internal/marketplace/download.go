// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package marketplace

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

var archiveExts = []string{".zip", ".tar.gz", ".tar.zst"}

// releaseVersionPattern admits release tags such as 1.2.0 or 1.2.0-rc.1.
var releaseVersionPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z.+_-]*$`)

// archivePath names the cached archive for id at version. Ids and versions
// that could escape the download cache are rejected.
func (c *Client) archivePath(id, version, ext string) (string, error) {
	fail := oops.Code(errutil.CodeInvalidArgument).
		In("marketplace").
		With("plugin", id).
		With("version", version)
	if !plugin.ValidID(id) {
		return "", fail.Errorf("invalid plugin id %q", id)
	}
	if !releaseVersionPattern.MatchString(version) || strings.Contains(version, "..") {
		return "", fail.Errorf("invalid release version %q", version)
	}
	name := id + "-" + version + ext
	if !filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fail.Errorf("archive name %q leaves the download cache", name)
	}
	return filepath.Join(c.cacheDir, downloadsDir, name), nil
}

// cachedArchive returns the cached archive for id at version, if present.
func (c *Client) cachedArchive(id, version string) (string, bool) {
	for _, ext := range archiveExts {
		p, err := c.archivePath(id, normalizeVersion(version), ext)
		if err != nil {
			return "", false
		}
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return p, true
		}
	}
	return "", false
}

// DownloadPlugin downloads the archive for id and returns its local path.
// An empty version selects the newest stable release. An archive already
// in the download cache is returned without any network access. An empty
// sourceType selects the plugin's repository automatically.
func (c *Client) DownloadPlugin(ctx context.Context, id, version string, sourceType SourceType) (path string, err error) {
	defer func() { c.observer.Download(err) }()

	if !plugin.ValidID(id) {
		return "", oops.Code(errutil.CodeInvalidArgument).In("marketplace").With("plugin", id).Errorf("invalid plugin id %q", id)
	}
	if version != "" {
		if p, ok := c.cachedArchive(id, version); ok {
			c.logger.Debug("using cached plugin archive", "plugin", id, "version", version, "path", p)
			return p, nil
		}
	}

	entry, err := c.PluginDetails(ctx, id)
	if err != nil {
		return "", err
	}
	if sourceType == "" {
		sourceType = c.repositorySource(entry)
	}

	fail := oops.Code(errutil.CodeReleaseNotFound).
		In("marketplace").
		With("plugin", id).
		With("version", version).
		With("source_type", string(sourceType))

	repo, ok := entry.Repositories[string(sourceType)]
	if !ok {
		return "", fail.Errorf("plugin %s has no %s repository", id, sourceType)
	}
	lister, ok := c.lister(sourceType)
	if !ok {
		return "", fail.Errorf("no release lister for source type %s", sourceType)
	}
	listCtx, cancel := context.WithTimeout(ctx, c.releaseTimeout(sourceType))
	releases, err := lister.ListReleases(listCtx, repo)
	cancel()
	if err != nil {
		return "", err
	}
	rel, ok := selectRelease(releases, version)
	if !ok {
		return "", fail.Errorf("no matching release for plugin %s", id)
	}

	if p, ok := c.cachedArchive(id, rel.Version); ok {
		return p, nil
	}
	url, ext, ok := archiveURL(rel)
	if !ok {
		return "", fail.With("release", rel.Version).Errorf("release %s has no downloadable archive", rel.Version)
	}

	dest, err := c.archivePath(id, rel.Version, ext)
	if err != nil {
		return "", err
	}
	if err := c.fetchArchive(ctx, url, dest); err != nil {
		return "", err
	}
	c.logger.Info("plugin archive downloaded", "plugin", id, "version", rel.Version, "path", dest)
	return dest, nil
}

// repositorySource picks the repository matching the current registry
// source when the plugin has one, else the first of github, gitee, http.
func (c *Client) repositorySource(p *Plugin) SourceType {
	if cur, ok := c.CurrentSource(); ok {
		if _, has := p.Repositories[string(cur.Type)]; has {
			return cur.Type
		}
	}
	for _, t := range []SourceType{SourceGitHub, SourceGitee, SourceHTTP} {
		if _, has := p.Repositories[string(t)]; has {
			return t
		}
	}
	return SourceGitHub
}

// releaseTimeout bounds a release listing by the timeout of the enabled
// source of type t, else of the current source.
func (c *Client) releaseTimeout(t SourceType) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, src := range c.sources {
		if src.Type == t && src.Enabled {
			return src.Timeout
		}
	}
	if c.current != nil && c.current.Timeout > 0 {
		return c.current.Timeout
	}
	return DefaultSourceTimeout
}

func (c *Client) lister(t SourceType) (ReleaseLister, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.listers[t]
	return l, ok
}

// selectRelease picks the release matching version, or the newest stable
// release when version is empty, or the newest release of any kind when
// no stable release exists.
func selectRelease(releases []Release, version string) (Release, bool) {
	if version != "" {
		want := normalizeVersion(version)
		for _, r := range releases {
			if r.Version == want {
				return r, true
			}
		}
		return Release{}, false
	}
	if len(releases) == 0 {
		return Release{}, false
	}

	sorted := append([]Release(nil), releases...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return CompareVersions(sorted[i].Version, sorted[j].Version) > 0
	})
	for _, r := range sorted {
		if !r.Prerelease {
			return r, true
		}
	}
	return sorted[0], true
}

// archiveURL prefers the zipball, then the tarball, then a release asset
// with a known archive extension.
func archiveURL(rel Release) (string, string, bool) {
	if rel.ZipballURL != "" {
		return rel.ZipballURL, ".zip", true
	}
	if rel.TarballURL != "" {
		return rel.TarballURL, ".tar.gz", true
	}
	for _, a := range rel.Assets {
		for _, ext := range archiveExts {
			if strings.HasSuffix(a.Name, ext) && a.URL != "" {
				return a.URL, ext, true
			}
		}
	}
	return "", "", false
}

func (c *Client) fetchArchive(ctx context.Context, url, dest string) error {
	fail := oops.Code(errutil.CodeDownloadFailed).In("marketplace").With("url", url)

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail.Wrapf(err, "download archive")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fail.With("status", resp.StatusCode).Errorf("download archive: unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fail.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fail.Wrapf(err, "write archive")
	}
	if err := tmp.Close(); err != nil {
		return fail.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fail.Wrap(err)
	}
	return nil
}
