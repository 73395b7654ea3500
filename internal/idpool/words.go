package idpool

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed words.yaml
var embeddedWords []byte

// WordLists holds the adjective and noun lists the pool is built from
type WordLists struct {
	Adjectives []string `yaml:"adjectives"`
	Nouns      []string `yaml:"nouns"`
}

// Size returns the number of ids the lists produce, excluding pairs whose
// two words are equal.
func (w *WordLists) Size() int {
	nouns := make(map[string]struct{}, len(w.Nouns))
	for _, n := range w.Nouns {
		nouns[n] = struct{}{}
	}
	same := 0
	for _, a := range w.Adjectives {
		if _, ok := nouns[a]; ok {
			same++
		}
	}
	return len(w.Adjectives)*len(w.Nouns) - same
}

// Embedded returns the compiled-in word lists
func Embedded() (*WordLists, error) {
	return parseWordLists(embeddedWords, "embedded word list")
}

// LoadWordLists reads word lists from a YAML file
func LoadWordLists(path string) (*WordLists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read word list: %w", err)
	}
	return parseWordLists(data, path)
}

func parseWordLists(data []byte, source string) (*WordLists, error) {
	var w WordLists
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", source, err)
	}
	if len(w.Adjectives) == 0 || len(w.Nouns) == 0 {
		return nil, fmt.Errorf("%s must define adjectives and nouns", source)
	}
	return &w, nil
}
