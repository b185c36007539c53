// Package selfupdate checks GitHub releases for a newer application
// package and downloads it. Installing the downloaded archive goes
// through the normal install operation.
package selfupdate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"debguard/internal/task"
)

const downloadChunkSize = 8192

// Release describes the newest published release carrying a .deb asset.
type Release struct {
	Version     string
	DownloadURL string
}

// Updater talks to the GitHub releases API for one repository.
type Updater struct {
	apiURL string // e.g. https://api.github.com/repos/<owner>/<repo>/releases
	client *http.Client
}

// NewUpdater creates an updater for the releases endpoint at apiURL.
func NewUpdater(apiURL string) *Updater {
	return &Updater{
		apiURL: apiURL,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

// LatestRelease fetches the newest release. Returns nil when the
// repository has no releases or the newest one carries no .deb asset.
func (u *Updater) LatestRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach releases API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("releases API returned status %d", resp.StatusCode)
	}

	var releases []releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse releases response: %w", err)
	}
	if len(releases) == 0 {
		return nil, nil
	}

	latest := releases[0]
	version := strings.TrimPrefix(latest.TagName, "v")
	if version == "" {
		return nil, nil
	}
	for _, asset := range latest.Assets {
		if strings.HasSuffix(asset.Name, ".deb") {
			return &Release{Version: version, DownloadURL: asset.BrowserDownloadURL}, nil
		}
	}
	return nil, nil
}

// VersionComparer decides Debian version ordering.
type VersionComparer interface {
	CompareVersions(ctx context.Context, v1, op, v2 string) bool
}

// CheckForUpdate returns the latest release if it is strictly newer
// than currentVersion, nil otherwise.
func (u *Updater) CheckForUpdate(ctx context.Context, currentVersion string, cmp VersionComparer) (*Release, error) {
	release, err := u.LatestRelease(ctx)
	if err != nil || release == nil {
		return nil, err
	}
	if !cmp.CompareVersions(ctx, release.Version, "gt", currentVersion) {
		return nil, nil
	}
	return release, nil
}

// Download fetches the release archive to a temporary .deb file,
// retrying transient failures with exponential backoff. Percent events
// are emitted when the server reports a content length. Returns the
// downloaded file's path.
func (u *Updater) Download(ctl *task.Ctl, release *Release) (string, error) {
	var path string

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		if ctl != nil && ctl.Stopped() {
			return backoff.Permanent(task.ErrCancelled)
		}
		var err error
		path, err = u.downloadOnce(ctl, release.DownloadURL)
		if errors.Is(err, task.ErrCancelled) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return "", err
		}
		return "", fmt.Errorf("failed to download update after retries: %w", err)
	}
	return path, nil
}

func (u *Updater) downloadOnce(ctl *task.Ctl, url string) (string, error) {
	resp, err := u.client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "debguard-update-*.deb")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	total := resp.ContentLength
	var downloaded int64
	lastPercent := -1
	buf := make([]byte, downloadChunkSize)
	for {
		if ctl != nil && ctl.Stopped() {
			os.Remove(tmp.Name())
			return "", task.ErrCancelled
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				os.Remove(tmp.Name())
				return "", werr
			}
			downloaded += int64(n)
			if total > 0 && ctl != nil {
				percent := int(downloaded * 100 / total)
				if percent != lastPercent {
					lastPercent = percent
					ctl.EmitPercent(percent)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
	}
	return tmp.Name(), nil
}
