package prompt

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aleenprd/docbt/internal/errors"
)

// Templates holds the tunable text and sampling parameters of the prompt.
// Changes here change rendered prompts, so operators overriding them should
// also clear the cache or accept stale entries.
type Templates struct {
	System            string  `yaml:"system"`
	TableInstruction  string  `yaml:"table_instruction"`
	ColumnInstruction string  `yaml:"column_instruction"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"max_tokens"`
	// Stop is a comma-separated stop sequence list.
	Stop string `yaml:"stop"`
}

// DefaultTemplates returns the built-in prompt text.
func DefaultTemplates() Templates {
	return Templates{
		System: "You are a data documentation assistant. You write concise, " +
			"accurate descriptions of database tables and columns for a data " +
			"catalog. Respond with the description only, no preamble.",
		TableInstruction: "Write a one-paragraph description of this table: " +
			"what entity or event it represents and how it relates to the " +
			"rest of the schema.",
		ColumnInstruction: "Write a one-sentence description of this column: " +
			"what it stores and how it is used.",
		Temperature: 0.2,
		MaxTokens:   300,
	}
}

// LoadTemplates reads a YAML override file on top of the defaults. Fields
// absent from the file keep their default values.
func LoadTemplates(path string) (Templates, error) {
	tmpl := DefaultTemplates()

	data, err := os.ReadFile(path)
	if err != nil {
		return tmpl, errors.Wrapf(err, errors.KindConfig, "failed to read template file %s", path)
	}

	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return tmpl, errors.Wrapf(err, errors.KindConfig, "failed to parse template file %s", path)
	}

	return tmpl, nil
}
