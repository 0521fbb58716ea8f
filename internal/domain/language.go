package domain

// Language is the runtime family a source tree was classified as.
type Language string

const (
	LanguageRust   Language = "rust"
	LanguageNode   Language = "node"
	LanguagePython Language = "python"
	LanguageStatic Language = "static"
)

// Languages lists every supported value in detection order.
var Languages = []Language{LanguageRust, LanguageNode, LanguagePython, LanguageStatic}

// Valid reports whether l is one of the known languages.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}
