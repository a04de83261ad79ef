// Package update implements Windows self-update: resolve the target
// version, download the new binary to a staging path and hand off to a
// small PowerShell script that waits for this process to exit, copies the
// staged binary over the current one and relaunches.
package update

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/cyberdesk-hq/cyberdriver/api/pkg/types"
)

const (
	releasesAPIURL  = "https://api.github.com/repos/cyberdesk-hq/cyberdriver/releases"
	downloadBaseURL = "https://github.com/cyberdesk-hq/cyberdriver/releases/download"

	downloadTimeout     = 120 * time.Second
	controlPlaneTimeout = 10 * time.Second
	publicIndexTimeout  = 30 * time.Second
)

const (
	StatusUpToDate  = "already_up_to_date"
	StatusInitiated = "update_initiated"
)

// Request is the /internal/update payload.
type Request struct {
	Version string `json:"version"`
	Restart bool   `json:"restart"`
}

// Response reports what the update decided to do.
type Response struct {
	Status         string `json:"status"`
	CurrentVersion string `json:"current_version"`
	TargetVersion  string `json:"target_version"`
	Message        string `json:"message"`
}

// Handle performs the update flow. Only Windows binaries are distributed
// as a single replaceable exe, so everywhere else this is an error.
func Handle(payload Request, connInfo types.ConnectionInfo, currentVersion string) (Response, error) {
	if runtime.GOOS != "windows" {
		return Response{}, fmt.Errorf("%w: self-update is currently only supported on Windows", types.ErrUnsupported)
	}
	currentExe, err := os.Executable()
	if err != nil {
		return Response{}, err
	}

	targetVersion := payload.Version
	if targetVersion == "" || targetVersion == "latest" {
		resolved, err := resolveLatestVersion(connInfo)
		if err != nil {
			return Response{}, err
		}
		if resolved == "" {
			return Response{}, fmt.Errorf("%w: could not determine latest version", types.ErrRuntime)
		}
		targetVersion = resolved
	}

	if versionAtLeast(currentVersion, targetVersion) {
		return Response{
			Status:         StatusUpToDate,
			CurrentVersion: currentVersion,
			TargetVersion:  targetVersion,
			Message:        "Cyberdriver is already running the requested version",
		}, nil
	}

	downloadURL := fmt.Sprintf("%s/v%s/cyberdriver.exe", downloadBaseURL, targetVersion)
	toolDir := filepath.Dir(currentExe)
	stagingExe := filepath.Join(toolDir, "cyberdriver-update.exe")

	if err := downloadTo(downloadURL, stagingExe, targetVersion); err != nil {
		return Response{}, err
	}

	script := buildUpdaterScript(currentExe, stagingExe, payload.Restart)
	scriptPath := filepath.Join(toolDir, "cyberdriver-updater.ps1")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return Response{}, err
	}

	cmd := exec.Command("powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File", scriptPath)
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Msg("updater script spawn failed")
	}

	return Response{
		Status:         StatusInitiated,
		CurrentVersion: currentVersion,
		TargetVersion:  targetVersion,
		Message:        fmt.Sprintf("Updating to v%s. Cyberdriver will restart automatically.", targetVersion),
	}, nil
}

func newClient(timeout time.Duration) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	return client.StandardClient()
}

func downloadTo(url, path, targetVersion string) error {
	resp, err := newClient(downloadTimeout).Get(url)
	if err != nil {
		return fmt.Errorf("update download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("version v%s not found on GitHub releases", targetVersion)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download update: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o755)
}

// buildUpdaterScript emits the PowerShell handoff: poll for our pid to
// exit, copy the staged exe into place, optionally relaunch.
func buildUpdaterScript(currentExe, stagingExe string, restart bool) string {
	exe := strings.ReplaceAll(currentExe, "'", "''")
	staging := strings.ReplaceAll(stagingExe, "'", "''")
	restartCmd := `Write-Output "Restart skipped"`
	if restart {
		restartCmd = fmt.Sprintf("Start-Process -FilePath '%s'", exe)
	}
	return fmt.Sprintf(`
$agentPid = %d
while (Get-Process -Id $agentPid -ErrorAction SilentlyContinue) { Start-Sleep -Milliseconds 200 }
Copy-Item -Force '%s' '%s'
%s
`, os.Getpid(), staging, exe, restartCmd)
}

// versionAtLeast compares dotted numeric versions; current >= target means
// there is nothing to do.
func versionAtLeast(current, target string) bool {
	return compareVersions(parseVersion(current), parseVersion(target)) >= 0
}

func parseVersion(v string) []int {
	var parts []int
	for _, p := range strings.Split(strings.TrimPrefix(v, "v"), ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		parts = append(parts, n)
	}
	return parts
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// resolveLatestVersion asks the control plane first, then falls back to
// the public release index.
func resolveLatestVersion(connInfo types.ConnectionInfo) (string, error) {
	if version := fetchLatestFromControlPlane(connInfo); version != "" {
		return version, nil
	}
	return fetchLatestFromReleaseIndex(), nil
}

func fetchLatestFromControlPlane(connInfo types.ConnectionInfo) string {
	if connInfo.Host == "" || connInfo.Port == 0 {
		return ""
	}
	protocol := "http"
	if connInfo.Port == 443 {
		protocol = "https"
	}
	url := fmt.Sprintf("%s://%s/v1/internal/cyberdriver-version", protocol, connInfo.Host)
	resp, err := newClient(controlPlaneTimeout).Get(url)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var body struct {
		LatestVersion string `json:"latest_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ""
	}
	return body.LatestVersion
}

func fetchLatestFromReleaseIndex() string {
	req, err := retryablehttp.NewRequest(http.MethodGet, releasesAPIURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = publicIndexTimeout
	client.Logger = nil
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var releases []struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return ""
	}
	return newestNumericTag(releases)
}

func newestNumericTag(releases []struct {
	TagName string `json:"tag_name"`
}) string {
	var versions []string
	for _, release := range releases {
		tag := strings.TrimPrefix(release.TagName, "v")
		if tag == "" || !numericDotted(tag) {
			continue
		}
		versions = append(versions, tag)
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(parseVersion(versions[i]), parseVersion(versions[j])) > 0
	})
	if len(versions) == 0 {
		return ""
	}
	return versions[0]
}

func numericDotted(tag string) bool {
	for _, part := range strings.Split(tag, ".") {
		if part == "" {
			return false
		}
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}
