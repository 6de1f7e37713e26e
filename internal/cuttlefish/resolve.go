// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cuttlefish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/aadk-dev/platform/pkg/errors"
)

var jsVariablesMarker = []byte("var JSVariables = ")

// gridBuild is one entry of the CI grid's embedded JSON payload.
type gridBuild struct {
	BuildID string       `json:"build_id"`
	Targets []gridTarget `json:"targets"`
}

type gridTarget struct {
	Target       string `json:"target"`
	Product      string `json:"product"`
	BuildCommand string `json:"build_command"`
}

// CIGridClient resolves (branch, target, build_id) references against
// the remote CI grid. It is the only collaborator in this package that
// reaches the network.
type CIGridClient struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	tokenSource oauth2.TokenSource
	baseHost    string
	mirrorHost  string
}

// NewCIGridClient builds a client. tokenSource may be nil for an
// unauthenticated public grid; a private mirror supplies one via
// internal/secrets (bearer token).
func NewCIGridClient(tokenSource oauth2.TokenSource) *CIGridClient {
	baseHost := "ci.android.com"
	mirrorHost := "android-ci.googleusercontent.com"
	if v := os.Getenv(EnvCIGridBaseURL); v != "" {
		baseHost = v
	}
	if v := os.Getenv(EnvCIGridMirror); v != "" {
		mirrorHost = v
	}
	return &CIGridClient{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
		tokenSource: tokenSource,
		baseHost:    baseHost,
		mirrorHost:  mirrorHost,
	}
}

func (c *CIGridClient) gridURL(branch, target string) string {
	return fmt.Sprintf("https://%s/builds/branches/%s/grids/%s/view", c.baseHost, branch, target)
}

func (c *CIGridClient) artifactViewerURL(branch, target, buildID, name string) string {
	return fmt.Sprintf("https://%s/builds/branches/%s/grids/%s/view/%s/%s",
		c.baseHost, branch, target, buildID, name)
}

// mirrorURLs returns the ordered candidate download URLs for one
// artifact name.
func (c *CIGridClient) mirrorURLs(branch, target, buildID, name string) []string {
	raw := fmt.Sprintf("https://%s/android/%s/%s/%s/raw/%s", c.mirrorHost, branch, target, buildID, name)
	noRaw := fmt.Sprintf("https://%s/android/%s/%s/%s/%s", c.mirrorHost, branch, target, buildID, name)
	ci := fmt.Sprintf("https://%s/builds/submitted/%s/%s/latest/%s/%s", c.baseHost, branch, target, buildID, name)
	return []string{raw, noRaw, ci}
}

func (c *CIGridClient) authorize(ctx context.Context, req *http.Request) error {
	if c.tokenSource == nil {
		return nil
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "refreshing CI grid bearer token", err)
	}
	tok.SetAuthHeader(req)
	return nil
}

// fetchGridPage downloads the CI grid's HTML document and extracts the
// embedded JSON payload.
func (c *CIGridClient) fetchGridPage(ctx context.Context, branch, target string) ([]gridBuild, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gridURL(branch, target), nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "fetching CI grid page", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.CodeUnavailable, fmt.Sprintf("CI grid page returned %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "reading CI grid page", err)
	}
	return parseJSVariables(body)
}

// parseJSVariables locates the `var JSVariables = ` marker and decodes
// the JSON value that follows it. A json.Decoder naturally stops after
// one complete value, so the trailing `;` and surrounding script tags
// never need to be stripped.
func parseJSVariables(html []byte) ([]gridBuild, error) {
	idx := bytes.Index(html, jsVariablesMarker)
	if idx < 0 {
		return nil, errors.New(errors.CodeNotFound, "JSVariables marker not found in CI grid page")
	}
	rest := html[idx+len(jsVariablesMarker):]
	dec := json.NewDecoder(bytes.NewReader(rest))
	var builds []gridBuild
	if err := dec.Decode(&builds); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "decoding CI grid JSVariables payload", err)
	}
	return builds, nil
}

// productOf extracts a target's product either from its product field
// or from a TARGET_PRODUCT= token in its build command.
func productOf(t gridTarget) string {
	if t.Product != "" {
		return t.Product
	}
	const marker = "TARGET_PRODUCT="
	if idx := strings.Index(t.BuildCommand, marker); idx >= 0 {
		rest := t.BuildCommand[idx+len(marker):]
		if sp := strings.IndexAny(rest, " \t\n"); sp >= 0 {
			return rest[:sp]
		}
		return rest
	}
	return t.Target
}

// candidateArtifacts enumerates the image and host artifact name
// candidates for one build.
func candidateArtifacts(product, target, buildID string) (images, host []string) {
	images = []string{
		fmt.Sprintf("%s-img-%s.zip", product, buildID),
		fmt.Sprintf("%s-img-%s.zip", target, buildID),
		fmt.Sprintf("%s-%s.zip", product, buildID),
		fmt.Sprintf("%s-%s.zip", target, buildID),
	}
	host = []string{
		"cvd-host_package.tar.gz",
		fmt.Sprintf("cvd-host_package-%s.tar.gz", buildID),
	}
	return images, host
}

// probeDownloadable reports whether url serves a non-HTML payload for
// both a HEAD and a partial GET; served HTML is a 404 proxy.
func (c *CIGridClient) probeDownloadable(ctx context.Context, url string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	ok, err := c.probeOnce(ctx, http.MethodHead, url, "")
	if err != nil || !ok {
		return ok, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return c.probeOnce(ctx, http.MethodGet, url, "bytes=0-63")
}

func (c *CIGridClient) probeOnce(ctx context.Context, method, url, rangeHeader string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if err := c.authorize(ctx, req); err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil // treat transport errors as "not downloadable here", caller tries next mirror
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, nil
	}
	return !strings.Contains(resp.Header.Get("Content-Type"), "text/html"), nil
}

// resolveArtifactURL tries every mirror for one candidate name in
// order, falling back to the artifact-viewer HTML page if none serve
// it directly.
func (c *CIGridClient) resolveArtifactURL(ctx context.Context, branch, target, buildID, name string) (string, error) {
	for _, url := range c.mirrorURLs(branch, target, buildID, name) {
		ok, err := c.probeDownloadable(ctx, url)
		if err != nil {
			return "", err
		}
		if ok {
			return url, nil
		}
	}

	viewerURL := c.artifactViewerURL(branch, target, buildID, name)
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, viewerURL, nil)
	if err != nil {
		return "", err
	}
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.CodeUnavailable, "fetching artifact viewer page", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.CodeNotFound, fmt.Sprintf("no downloadable mirror for %s", name))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	real, ok := extractDownloadURL(body)
	if !ok {
		return "", errors.New(errors.CodeNotFound, fmt.Sprintf("artifact viewer page has no download URL for %s", name))
	}
	return real, nil
}

// extractDownloadURL pulls the real download URL out of an artifact
// viewer page's JSVariables payload (same marker, a flatter shape).
func extractDownloadURL(html []byte) (string, bool) {
	idx := bytes.Index(html, jsVariablesMarker)
	if idx < 0 {
		return "", false
	}
	var payload struct {
		DownloadURL string `json:"download_url"`
	}
	dec := json.NewDecoder(bytes.NewReader(html[idx+len(jsVariablesMarker):]))
	if err := dec.Decode(&payload); err != nil || payload.DownloadURL == "" {
		return "", false
	}
	return payload.DownloadURL, true
}

// ResolvedBuild is a fully resolved build plus its download URLs.
type ResolvedBuild struct {
	Ref          BuildRef
	ImageURL     string
	HostURL      string
}

// ResolveBuild resolves (branch, target) to a concrete build with
// downloadable image/host artifacts, trying the architecture fallback
// pair once if the primary fails.
func (c *CIGridClient) ResolveBuild(ctx context.Context, branch, target, buildID string) (*ResolvedBuild, error) {
	defBranch, defTarget, fbBranch, fbTarget := defaultBranchTarget()
	if branch == "" {
		branch = defBranch
	}
	if target == "" {
		target = defTarget
	}

	resolved, err := c.resolveOnce(ctx, branch, target, buildID)
	if err == nil {
		return resolved, nil
	}
	if branch == fbBranch && target == fbTarget {
		return nil, err
	}
	return c.resolveOnce(ctx, fbBranch, fbTarget, buildID)
}

func (c *CIGridClient) resolveOnce(ctx context.Context, branch, target, buildID string) (*ResolvedBuild, error) {
	builds, err := c.fetchGridPage(ctx, branch, target)
	if err != nil {
		return nil, err
	}

	sort.Slice(builds, func(i, j int) bool { return builds[i].BuildID > builds[j].BuildID })

	for _, b := range builds {
		if buildID != "" && b.BuildID != buildID {
			continue
		}
		for _, t := range b.Targets {
			if t.Target != target {
				continue
			}
			product := productOf(t)
			images, hosts := candidateArtifacts(product, target, b.BuildID)

			imageURL, err := c.firstResolvable(ctx, branch, target, b.BuildID, images)
			if err != nil {
				continue
			}
			hostURL, err := c.firstResolvable(ctx, branch, target, b.BuildID, hosts)
			if err != nil {
				continue
			}
			return &ResolvedBuild{
				Ref:      BuildRef{Branch: branch, Target: target, BuildID: b.BuildID, Product: product},
				ImageURL: imageURL,
				HostURL:  hostURL,
			}, nil
		}
		if buildID != "" {
			break
		}
	}
	return nil, errors.New(errors.CodeNotFound, fmt.Sprintf("no resolvable build for branch=%s target=%s", branch, target))
}

func (c *CIGridClient) firstResolvable(ctx context.Context, branch, target, buildID string, names []string) (string, error) {
	var lastErr error
	for _, name := range names {
		url, err := c.resolveArtifactURL(ctx, branch, target, buildID, name)
		if err == nil {
			return url, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New(errors.CodeNotFound, "no candidate artifact names")
	}
	return "", lastErr
}
