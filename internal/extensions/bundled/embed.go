// Package bundled embeds the EXTENSION.md manifests shipped inside the
// binary for compiled-in extensions (subpackages such as auditlog),
// and exposes them as an fs.FS so the extensions package's FSSource can
// read them without touching the real filesystem.
package bundled

import (
	"embed"
	"io/fs"
)

//go:embed extensions/**/EXTENSION.md
var bundledFS embed.FS

// FS returns the embedded filesystem rooted at the bundled extensions
// directory, one subdirectory per extension.
func FS() fs.FS {
	sub, err := fs.Sub(bundledFS, "extensions")
	if err != nil {
		return bundledFS
	}
	return sub
}
