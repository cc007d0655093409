// Package torbin locates the tor binary on the local system.
package torbin

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ferrovax/torctl/internal/errors"
)

const (
	// MinimumVersion is the oldest tor release we expect to work against.
	MinimumVersion = "0.3.5.7"

	// VersionCheckTimeout is the timeout for the version probe command.
	VersionCheckTimeout = 2 * time.Second
)

// Config holds configuration for tor binary discovery.
type Config struct {
	// TorPath is an explicit binary path that skips PATH search.
	TorPath string

	// SkipVersionCheck skips version validation during discovery.
	SkipVersionCheck bool

	// Logger is an optional logger for discovery operations.
	Logger *slog.Logger
}

// Discoverer locates and validates the tor binary.
type Discoverer struct {
	cfg *Config
	log *slog.Logger
}

// NewDiscoverer creates a discoverer with the given configuration.
func NewDiscoverer(cfg *Config) *Discoverer {
	if cfg == nil {
		cfg = &Config{}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	return &Discoverer{cfg: cfg, log: log}
}

// Discover locates the tor binary and probes its version.
// Returns TorNotFoundError when the binary cannot be located.
func (d *Discoverer) Discover(ctx context.Context) (string, error) {
	d.log.Debug("Discovering tor binary")

	torPath, err := d.findTor()
	if err != nil {
		d.log.Error("Failed to find tor binary", "error", err)

		return "", err
	}

	d.log.Debug("Found tor binary", "tor_path", torPath)

	d.checkVersion(ctx, torPath)

	return torPath, nil
}

// findTor locates the tor binary.
func (d *Discoverer) findTor() (string, error) {
	// If an explicit path was provided, use it and only it.
	if d.cfg.TorPath != "" {
		d.log.Debug("Using explicit tor path", "tor_path", d.cfg.TorPath)

		if _, err := os.Stat(d.cfg.TorPath); err == nil {
			return d.cfg.TorPath, nil
		}

		return "", &errors.TorNotFoundError{SearchedPaths: []string{d.cfg.TorPath}}
	}

	searchedPaths := make([]string, 0, 4)

	if path, err := exec.LookPath("tor"); err == nil {
		d.log.Debug("Found 'tor' in PATH", "path", path)

		return path, nil
	}

	searchedPaths = append(searchedPaths, "$PATH")

	commonPaths := []string{
		"/usr/local/bin/tor",
		"/usr/bin/tor",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		commonPaths = append(commonPaths, filepath.Join(homeDir, ".local/bin/tor"))
	}

	for _, path := range commonPaths {
		searchedPaths = append(searchedPaths, path)

		if _, err := os.Stat(path); err == nil {
			d.log.Debug("Found tor at common path", "path", path)

			return path, nil
		}
	}

	d.log.Warn("tor binary not found in any searched paths", "searched_paths", searchedPaths)

	return "", &errors.TorNotFoundError{SearchedPaths: searchedPaths}
}

// checkVersion probes `tor --version`, warning when the version is below the
// minimum we support. Probe failures are ignored.
func (d *Discoverer) checkVersion(ctx context.Context, torPath string) {
	if d.cfg.SkipVersionCheck {
		d.log.Debug("Skipping tor version check (configured)")

		return
	}

	ctx, cancel := context.WithTimeout(ctx, VersionCheckTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, torPath, "--version").Output()
	if err != nil {
		d.log.Debug("tor version check failed", "error", err)

		return
	}

	version, ok := ParseVersionOutput(string(output))
	if !ok {
		d.log.Debug("Could not parse tor version", "output", strings.TrimSpace(string(output)))

		return
	}

	if CompareVersions(version, MinimumVersion) < 0 {
		d.log.Warn("tor version is older than the minimum we support, some commands may misbehave",
			"version", version,
			"minimum_supported", MinimumVersion,
		)
	} else {
		d.log.Debug("tor version check passed", "version", version, "minimum", MinimumVersion)
	}
}

// ParseVersionOutput extracts the dotted version from `tor --version`
// output, e.g. "Tor version 0.4.8.10." yields "0.4.8.10".
func ParseVersionOutput(output string) (string, bool) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")

	const prefix = "Tor version "
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}

	version := strings.TrimPrefix(line, prefix)
	version = strings.TrimSuffix(strings.TrimSpace(version), ".")

	if version == "" {
		return "", false
	}

	return version, true
}

// CompareVersions compares two dotted tor versions component-wise.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareVersions(a, b string) int {
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	for i := range 4 {
		aNum := 0
		bNum := 0

		if i < len(aParts) {
			aNum, _ = strconv.Atoi(aParts[i])
		}

		if i < len(bParts) {
			bNum, _ = strconv.Atoi(bParts[i])
		}

		if aNum < bNum {
			return -1
		}

		if aNum > bNum {
			return 1
		}
	}

	return 0
}
