package buildpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DiegoStefanini/shipit-sub000/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  domain.Language
	}{
		{"empty", nil, domain.LanguageStatic},
		{"html only", []string{"index.html"}, domain.LanguageStatic},
		{"node", []string{"package.json"}, domain.LanguageNode},
		{"python", []string{"requirements.txt"}, domain.LanguagePython},
		{"rust", []string{"Cargo.toml"}, domain.LanguageRust},
		{"rust wins over node", []string{"package.json", "Cargo.toml"}, domain.LanguageRust},
		{"node wins over python", []string{"requirements.txt", "package.json"}, domain.LanguageNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tc.files {
				writeFile(t, dir, f, "")
			}
			if got := Detect(dir); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestDetectMissingDirectoryIsStatic(t *testing.T) {
	if got := Detect(filepath.Join(t.TempDir(), "gone")); got != domain.LanguageStatic {
		t.Fatalf("got %s", got)
	}
}

func TestDetectIgnoresManifestDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "package.json"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := Detect(dir); got != domain.LanguageStatic {
		t.Fatalf("got %s", got)
	}
}

func TestGeneratePorts(t *testing.T) {
	want := map[domain.Language]int{
		domain.LanguageNode:   3000,
		domain.LanguagePython: 8000,
		domain.LanguageRust:   8080,
		domain.LanguageStatic: 80,
	}
	for lang, port := range want {
		r := Generate(lang)
		if r.Port != port {
			t.Fatalf("%s: port %d want %d", lang, r.Port, port)
		}
		if !strings.Contains(r.Dockerfile, "EXPOSE ") || !strings.HasPrefix(r.Dockerfile, "# syntax=docker/dockerfile:1\n") {
			t.Fatalf("%s: malformed recipe:\n%s", lang, r.Dockerfile)
		}
		if Generate(lang) != r {
			t.Fatalf("%s: generate is not deterministic", lang)
		}
	}
}

func TestGenerateUnknownFallsBackToStatic(t *testing.T) {
	got := Generate(domain.Language("cobol"))
	if got != Generate(domain.LanguageStatic) {
		t.Fatalf("expected static recipe, got %+v", got)
	}
}

func TestWriteToLeavesRepositoryDockerfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")

	name, err := Generate(domain.LanguageNode).WriteTo(dir)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if name != RecipeFile {
		t.Fatalf("unexpected name %q", name)
	}
	original, _ := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if string(original) != "FROM scratch\n" {
		t.Fatalf("repository Dockerfile was modified: %q", original)
	}
	generated, _ := os.ReadFile(filepath.Join(dir, RecipeFile))
	if !strings.Contains(string(generated), "EXPOSE 3000") {
		t.Fatalf("unexpected recipe %q", generated)
	}
}
