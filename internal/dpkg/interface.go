package dpkg

import "context"

// ToolInterface defines the interface for dpkg metadata queries.
// This allows mocking the tool in tests.
type ToolInterface interface {
	// Info extracts control fields from a .deb archive
	Info(ctx context.Context, debPath string) (*PackageInfo, error)

	// InstalledVersion returns the installed version of a package, or ""
	// if the package is not installed
	InstalledVersion(ctx context.Context, pkgName string) (string, error)

	// CompareVersions reports whether "v1 op v2" holds under Debian
	// version ordering (op is one of lt, le, eq, ge, gt)
	CompareVersions(ctx context.Context, v1, op, v2 string) bool

	// MissingDependencies returns the first alternative of each
	// dependency group that no installed package satisfies
	MissingDependencies(ctx context.Context, depends string) ([]string, error)
}

// Ensure Tool implements ToolInterface
var _ ToolInterface = (*Tool)(nil)
