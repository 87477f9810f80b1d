package similarity

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

// Vocabulary holds the language tables used by normalization and merging.
type Vocabulary struct {
	FillerWords  map[string][]string `yaml:"filler_words"`
	Synonyms     [][]string          `yaml:"synonyms"`
	MetadataKeys []string            `yaml:"metadata_keys"`

	filler    map[string]map[string]struct{}
	canonical map[string]string
	metadata  map[string]struct{}
}

var (
	defaultVocabOnce sync.Once
	defaultVocab     *Vocabulary
)

// DefaultVocabulary returns the built-in tables.
func DefaultVocabulary() *Vocabulary {
	defaultVocabOnce.Do(func() {
		v, err := ParseVocabulary(defaultVocabularyYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded vocabulary is invalid: %v", err))
		}
		defaultVocab = v
	})
	return defaultVocab
}

// LoadVocabulary reads tables from path. An empty path yields the
// built-in tables.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultVocabulary(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

// ParseVocabulary decodes YAML tables and builds the lookup indexes.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %w", err)
	}
	v.index()
	return &v, nil
}

func (v *Vocabulary) index() {
	v.filler = make(map[string]map[string]struct{}, len(v.FillerWords))
	for entityType, words := range v.FillerWords {
		set := make(map[string]struct{}, len(words))
		for _, w := range words {
			set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
		}
		v.filler[entityType] = set
	}
	v.canonical = make(map[string]string)
	for _, group := range v.Synonyms {
		if len(group) == 0 {
			continue
		}
		head := normalizeValue(group[0])
		for _, s := range group {
			v.canonical[normalizeValue(s)] = head
		}
	}
	v.metadata = make(map[string]struct{}, len(v.MetadataKeys))
	for _, k := range v.MetadataKeys {
		v.metadata[strings.ToLower(k)] = struct{}{}
	}
}

// IsFiller reports whether word is stripped from names of entityType.
func (v *Vocabulary) IsFiller(entityType, word string) bool {
	_, ok := v.filler[entityType][word]
	return ok
}

// Canonical maps a value onto the head of its synonym group, or returns
// the normalized value itself.
func (v *Vocabulary) Canonical(value string) string {
	n := normalizeValue(value)
	if c, ok := v.canonical[n]; ok {
		return c
	}
	return n
}

// Synonymous reports whether a and b fall in the same synonym group.
func (v *Vocabulary) Synonymous(a, b string) bool {
	ca, oka := v.canonical[normalizeValue(a)]
	cb, okb := v.canonical[normalizeValue(b)]
	return oka && okb && ca == cb
}

// IsMetadata reports whether key is bookkeeping rather than a business fact.
func (v *Vocabulary) IsMetadata(key string) bool {
	_, ok := v.metadata[strings.ToLower(key)]
	return ok
}

func normalizeValue(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
