package bootstrap

import (
	"os"
	"path/filepath"
)

// LoadWorkspaceContext reads the seeded template files back from disk for
// inclusion in context assembly (spec §4.3 step 1). Missing files are
// skipped rather than treated as an error — a workspace mid-setup may not
// have all of them yet.
func LoadWorkspaceContext(workspaceDir string) []ContextFile {
	var files []ContextFile
	names := append(append([]string{}, workspaceTemplates...), BootstrapFile)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		files = append(files, ContextFile{Name: name, Content: string(data)})
	}
	return files
}
