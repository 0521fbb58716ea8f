// Package buildpack classifies a source tree and renders the build recipe for it.
package buildpack

import (
	"os"
	"path/filepath"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

// manifests is checked in order; the first file present decides the language.
var manifests = []struct {
	file     string
	language domain.Language
}{
	{"Cargo.toml", domain.LanguageRust},
	{"package.json", domain.LanguageNode},
	{"requirements.txt", domain.LanguagePython},
}

// Detect inspects dir and never fails: anything unrecognised, including a
// missing or unreadable directory, is a static site.
func Detect(dir string) domain.Language {
	for _, m := range manifests {
		if fileExists(filepath.Join(dir, m.file)) {
			return m.language
		}
	}
	return domain.LanguageStatic
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
