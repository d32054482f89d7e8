// Package feeds discovers articles on configured news listing pages. Each
// source describes one listing page plus the CSS selectors needed to pull
// entries out of it, so new sources ship as config rather than code.
package feeds

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Source describes one news listing page.
type Source struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	ItemSelector    string `yaml:"item_selector"`
	TitleSelector   string `yaml:"title_selector"`
	LinkSelector    string `yaml:"link_selector"`
	SummarySelector string `yaml:"summary_selector"`
	DateSelector    string `yaml:"date_selector"`
	DateFormat      string `yaml:"date_format"`
}

type registryFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the source registry from a YAML file.
func LoadSources(path string) ([]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "feeds: read sources file")
	}
	return ParseSources(raw)
}

// ParseSources decodes a YAML source registry and rejects unusable entries.
func ParseSources(raw []byte) ([]Source, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrap(err, "feeds: parse sources")
	}
	for _, s := range file.Sources {
		if s.Name == "" || s.URL == "" {
			return nil, eris.Errorf("feeds: source missing name or url: %+v", s)
		}
		if s.ItemSelector == "" || s.TitleSelector == "" {
			return nil, eris.Errorf("feeds: source %s missing selectors", s.Name)
		}
	}
	return file.Sources, nil
}
