// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package marketplace

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"

	"github.com/holomush/plughost/pkg/errutil"
)

// releasesPerPage bounds a single release listing.
const releasesPerPage = 50

// ReleaseLister lists the published releases of a plugin repository.
type ReleaseLister interface {
	ListReleases(ctx context.Context, repo Repository) ([]Release, error)
}

// ownerRepo extracts owner and name from a repository URL such as
// https://github.com/owner/name or https://gitee.com/owner/name.git.
func ownerRepo(repoURL string) (string, string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", oops.Code(errutil.CodeInvalidArgument).With("url", repoURL).Wrap(err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", oops.Code(errutil.CodeInvalidArgument).
			With("url", repoURL).
			Errorf("repository url must end in /<owner>/<name>")
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// GitHubReleases lists releases through the GitHub REST API.
type GitHubReleases struct {
	client *github.Client
}

// NewGitHubReleases wraps a go-github client. A nil client uses
// unauthenticated access to api.github.com.
func NewGitHubReleases(client *github.Client) *GitHubReleases {
	if client == nil {
		client = github.NewClient(nil)
	}
	return &GitHubReleases{client: client}
}

// ListReleases implements ReleaseLister.
func (g *GitHubReleases) ListReleases(ctx context.Context, repo Repository) ([]Release, error) {
	owner, name, err := ownerRepo(repo.URL)
	if err != nil {
		return nil, err
	}
	rels, _, err := g.client.Repositories.ListReleases(ctx, owner, name, &github.ListOptions{PerPage: releasesPerPage})
	if err != nil {
		return nil, oops.Code(errutil.CodeSourceFetchFailed).
			In("marketplace").
			With("owner", owner).
			With("repo", name).
			Wrapf(err, "list github releases")
	}

	out := make([]Release, 0, len(rels))
	for _, r := range rels {
		if r.GetDraft() {
			continue
		}
		rel := Release{
			Version:     normalizeVersion(r.GetTagName()),
			Name:        r.GetName(),
			Prerelease:  r.GetPrerelease(),
			PublishedAt: r.GetPublishedAt().Time,
			ZipballURL:  r.GetZipballURL(),
			TarballURL:  r.GetTarballURL(),
		}
		for _, a := range r.Assets {
			rel.Assets = append(rel.Assets, Asset{
				Name: a.GetName(),
				URL:  a.GetBrowserDownloadURL(),
				Size: int64(a.GetSize()),
			})
		}
		out = append(out, rel)
	}
	return out, nil
}

// APIReleases lists releases from a GitHub-compatible JSON API such as
// Gitee's v5 API: GET <base>/repos/<owner>/<name>/releases.
type APIReleases struct {
	base   string
	client *http.Client
}

// NewAPIReleases creates a lister for the API rooted at base.
func NewAPIReleases(base string, client *http.Client) *APIReleases {
	if client == nil {
		client = &http.Client{Timeout: DefaultSourceTimeout}
	}
	return &APIReleases{base: strings.TrimRight(base, "/"), client: client}
}

func (a *APIReleases) releasesURL(repo Repository) (string, error) {
	if repo.ReleasesURL != "" {
		return repo.ReleasesURL, nil
	}
	if repo.APIURL != "" {
		return strings.TrimRight(repo.APIURL, "/") + "/releases", nil
	}
	owner, name, err := ownerRepo(repo.URL)
	if err != nil {
		return "", err
	}
	return a.base + "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/releases", nil
}

// ListReleases implements ReleaseLister.
func (a *APIReleases) ListReleases(ctx context.Context, repo Repository) ([]Release, error) {
	endpoint, err := a.releasesURL(repo)
	if err != nil {
		return nil, err
	}
	fail := oops.Code(errutil.CodeSourceFetchFailed).In("marketplace").With("url", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fail.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fail.Wrapf(err, "list releases")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fail.With("status", resp.StatusCode).Errorf("list releases: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fail.Wrapf(err, "read releases")
	}
	return parseReleases(body)
}

// parseReleases reads a GitHub-shaped release array.
func parseReleases(body []byte) ([]Release, error) {
	if !gjson.ValidBytes(body) {
		return nil, oops.Code(errutil.CodeSourceFetchFailed).In("marketplace").Errorf("release list is not valid JSON")
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		return nil, oops.Code(errutil.CodeSourceFetchFailed).In("marketplace").Errorf("release list is not an array")
	}

	var out []Release
	list.ForEach(func(_, r gjson.Result) bool {
		if r.Get("draft").Bool() {
			return true
		}
		rel := Release{
			Version:    normalizeVersion(r.Get("tag_name").String()),
			Name:       r.Get("name").String(),
			Prerelease: r.Get("prerelease").Bool(),
			ZipballURL: r.Get("zipball_url").String(),
			TarballURL: r.Get("tarball_url").String(),
		}
		for _, key := range []string{"published_at", "created_at"} {
			if ts, err := time.Parse(time.RFC3339, r.Get(key).String()); err == nil {
				rel.PublishedAt = ts
				break
			}
		}
		r.Get("assets").ForEach(func(_, a gjson.Result) bool {
			rel.Assets = append(rel.Assets, Asset{
				Name: a.Get("name").String(),
				URL:  a.Get("browser_download_url").String(),
				Size: a.Get("size").Int(),
			})
			return true
		})
		out = append(out, rel)
		return true
	})
	return out, nil
}
