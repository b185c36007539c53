// Package dpkg queries the system package database and .deb archives
// through the dpkg family of tools.
package dpkg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// PackageInfo holds the control fields extracted from a .deb archive.
type PackageInfo struct {
	Name          string
	Version       string
	Maintainer    string
	Description   string
	Depends       string
	Architecture  string
	Section       string
	Priority      string
	InstalledSize string
}

// Dependency is one alternative within a dependency group.
type Dependency struct {
	Name    string
	Version string // version constraint as written, e.g. "(>= 1.2.3)"
}

var infoFields = []string{
	"Package", "Version", "Maintainer", "Description", "Depends",
	"Architecture", "Section", "Priority", "Installed-Size",
}

// Package names may carry dots, pluses and hyphens; an optional
// parenthesised version constraint follows.
var dependencyRe = regexp.MustCompile(`^\s*([a-zA-Z0-9.+-]+)\s*(\(.*\))?\s*$`)

// Tool runs dpkg commands
type Tool struct{}

// NewTool creates a new dpkg tool
func NewTool() *Tool {
	return &Tool{}
}

// Info extracts control fields from a .deb archive using dpkg-deb.
func (t *Tool) Info(ctx context.Context, debPath string) (*PackageInfo, error) {
	args := append([]string{"-f", debPath}, infoFields...)
	cmd := exec.CommandContext(ctx, "dpkg-deb", args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read package metadata: %w", err)
	}

	// dpkg-deb -f outputs "Field: Value" pairs, one per line.
	fields := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	info := &PackageInfo{
		Name:          fields["Package"],
		Version:       fields["Version"],
		Maintainer:    fields["Maintainer"],
		Description:   fields["Description"],
		Depends:       fields["Depends"],
		Architecture:  fields["Architecture"],
		Section:       fields["Section"],
		Priority:      fields["Priority"],
		InstalledSize: fields["Installed-Size"],
	}
	if info.Name == "" {
		return nil, fmt.Errorf("archive has no Package field: %s", debPath)
	}
	return info, nil
}

// InstalledVersion returns the installed version of pkgName, or "" if
// the package is not installed.
func (t *Tool) InstalledVersion(ctx context.Context, pkgName string) (string, error) {
	cmd := exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Version}", pkgName)
	output, err := cmd.Output()
	if err != nil {
		// dpkg-query exits non-zero for unknown packages.
		if _, ok := err.(*exec.ExitError); ok {
			return "", nil
		}
		return "", fmt.Errorf("failed to query installed version: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CompareVersions reports whether "v1 op v2" holds under Debian version
// ordering. A failure to run dpkg reports false.
func (t *Tool) CompareVersions(ctx context.Context, v1, op, v2 string) bool {
	cmd := exec.CommandContext(ctx, "dpkg", "--compare-versions", v1, op, v2)
	return cmd.Run() == nil
}

// MissingDependencies returns the first alternative of each dependency
// group in depends that no installed package satisfies.
func (t *Tool) MissingDependencies(ctx context.Context, depends string) ([]string, error) {
	var missing []string
	for _, group := range ParseDependencies(depends) {
		satisfied := false
		for _, dep := range group {
			// Version resolution is left to apt; presence is enough here.
			installed, err := t.isInstalled(ctx, dep.Name)
			if err != nil {
				return nil, err
			}
			if installed {
				satisfied = true
				break
			}
		}
		if !satisfied {
			missing = append(missing, group[0].Name)
		}
	}
	return missing, nil
}

func (t *Tool) isInstalled(ctx context.Context, pkgName string) (bool, error) {
	cmd := exec.CommandContext(ctx, "dpkg-query", "-W", "-f=${Status}", pkgName)
	output, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("failed to query package status: %w", err)
	}
	return strings.Contains(string(output), "install ok installed"), nil
}

// ParseDependencies parses a Depends control field into dependency
// groups. Each group lists its alternatives in order; an entry like
// "pkg1, pkg2 | pkg3" yields two groups.
func ParseDependencies(depends string) [][]Dependency {
	if depends == "" {
		return nil
	}

	var groups [][]Dependency
	for _, entry := range strings.Split(depends, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var alternatives []Dependency
		for _, alt := range strings.Split(entry, "|") {
			m := dependencyRe.FindStringSubmatch(strings.TrimSpace(alt))
			if m == nil {
				continue
			}
			alternatives = append(alternatives, Dependency{
				Name:    m[1],
				Version: strings.TrimSpace(m[2]),
			})
		}
		if len(alternatives) > 0 {
			groups = append(groups, alternatives)
		}
	}
	return groups
}

// Packages that removal must refuse outright.
var criticalPackages = map[string]struct{}{
	"base-files": {}, "base-passwd": {}, "bash": {}, "coreutils": {},
	"dash": {}, "debianutils": {}, "diffutils": {}, "dpkg": {},
	"e2fsprogs": {}, "findutils": {}, "grep": {}, "gzip": {},
	"hostname": {}, "init-system-helpers": {}, "libc6": {}, "login": {},
	"lsb-base": {}, "mount": {}, "passwd": {}, "perl-base": {},
	"sed": {}, "sysvinit-utils": {}, "tar": {}, "util-linux": {},
	"zlib1g": {},

	"apt": {}, "apt-utils": {}, "dpkg-dev": {}, "debconf": {},
	"debconf-2.0": {},

	"ca-certificates": {}, "openssl": {}, "libssl3": {}, "gnupg": {},
	"gpgv": {},

	"linux-image-generic": {}, "linux-headers-generic": {},
	"initramfs-tools": {},
}

var kernelPrefixes = []string{"linux-image", "linux-headers", "linux-modules"}

// IsCriticalPackage reports whether pkgName must never be removed, with
// a human-readable reason.
func IsCriticalPackage(pkgName string) (bool, string) {
	lower := strings.ToLower(pkgName)
	if _, ok := criticalPackages[lower]; ok {
		return true, fmt.Sprintf("'%s' is a critical system package required for system stability.", pkgName)
	}
	for _, prefix := range kernelPrefixes {
		if strings.Contains(lower, prefix) {
			return true, fmt.Sprintf("'%s' is a kernel package that should not be removed.", pkgName)
		}
	}
	return false, ""
}
