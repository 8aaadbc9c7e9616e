// Package defaults carries the starter command prompts and workflow
// definitions that get copied into freshly cloned repositories.
package defaults

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed assets
var assets embed.FS

// CopyInto materializes the bundled .archon scaffold under repoPath without
// overwriting files the repository already has.
func CopyInto(repoPath string) error {
	root := filepath.Join(repoPath, ".archon")
	return fs.WalkDir(assets, "assets", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("assets", path)
		if err != nil {
			return err
		}
		dst := filepath.Join(root, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		if _, err := os.Stat(dst); err == nil {
			return nil // keep the repo's own version
		}
		data, err := assets.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
}
