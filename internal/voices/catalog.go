// Package voices loads the named-voice catalog that voice-pack engines
// draw from.
package voices

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tts-studio/internal/models"
)

// Language groups the voices available for one language code.
type Language struct {
	Name     string   `yaml:"name" json:"name"`
	LangCode string   `yaml:"lang_code" json:"lang_code"`
	Voices   []string `yaml:"voices" json:"voices"`
}

// Catalog is the full voice inventory, keyed by language code.
type Catalog struct {
	Languages []Language `yaml:"languages" json:"languages"`
}

// Load reads the catalog from a YAML file. A missing path yields the
// built-in default catalog.
func Load(path string) (Catalog, error) {
	if path == "" {
		return defaultCatalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultCatalog, nil
		}
		return Catalog{}, fmt.Errorf("read voice catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse voice catalog: %w", err)
	}
	if len(c.Languages) == 0 {
		return Catalog{}, fmt.Errorf("voice catalog has no languages: %w", models.ErrInvalidInput)
	}
	return c, nil
}

// Lookup finds the language entry owning a voice name.
func (c Catalog) Lookup(voice string) (Language, bool) {
	for _, lang := range c.Languages {
		for _, v := range lang.Voices {
			if v == voice {
				return lang, true
			}
		}
	}
	return Language{}, false
}

// Validate checks a named-voice assignment against the catalog and fills
// in the language code when the caller omitted it.
func (c Catalog) Validate(v *models.VoiceAssignment) error {
	if v.Kind != models.VoiceNamed {
		return nil
	}
	lang, ok := c.Lookup(v.Voice)
	if !ok {
		return fmt.Errorf("unknown voice %q: %w", v.Voice, models.ErrInvalidInput)
	}
	if v.LangCode == "" {
		v.LangCode = lang.LangCode
	}
	return nil
}

var defaultCatalog = Catalog{
	Languages: []Language{
		{
			Name:     "American English",
			LangCode: "a",
			Voices:   []string{"af_heart", "af_bella", "af_nicole", "af_sarah", "am_adam", "am_michael"},
		},
		{
			Name:     "British English",
			LangCode: "b",
			Voices:   []string{"bf_emma", "bf_isabella", "bm_george", "bm_lewis"},
		},
		{
			Name:     "Japanese",
			LangCode: "j",
			Voices:   []string{"jf_alpha", "jm_kumo"},
		},
		{
			Name:     "Mandarin Chinese",
			LangCode: "z",
			Voices:   []string{"zf_xiaobei", "zm_yunjian"},
		},
	},
}
