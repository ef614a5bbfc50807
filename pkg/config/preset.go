package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "embed"

	"dario.cat/mergo"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// PresetFileNames is the lookup order for project preset files. The
// first existing file wins; a missing file means built-in defaults.
var PresetFileNames = []string{
	"polish.config.json",
	".polish.json",
	filepath.Join(".polish", "polish.config.json"),
}

// DefaultStateExclude keeps the engine's own state directory out of
// change detection and fingerprints. It is always present in a resolved
// preset's exclude list, whatever the project file says.
const DefaultStateExclude = ".polish/**"

//go:embed preset.schema.json
var presetSchemaJSON string

var (
	presetSchema     *jsonschema.Schema
	presetSchemaOnce sync.Once
)

// compiledPresetSchema returns the embedded preset schema, compiled once.
func compiledPresetSchema() *jsonschema.Schema {
	presetSchemaOnce.Do(func() {
		presetSchema = jsonschema.MustCompileString("preset.schema.json", presetSchemaJSON)
	})
	return presetSchema
}

// DefaultPreset returns the built-in preset used when a project carries
// no preset file. It mirrors a typical Node project: test suite,
// compiler, and linter, weighted toward tests.
func DefaultPreset() *models.Preset {
	return &models.Preset{
		Metrics: []models.Metric{
			{Name: "tests", Command: "npm test", Weight: 0.4, Target: 100},
			{Name: "typescript", Command: "npx tsc --noEmit", Weight: 0.3, Target: 100},
			{Name: "lint", Command: "npx eslint .", Weight: 0.3, Target: 95},
		},
		Target:        95,
		MaxIterations: 10,
		Exclude:       []string{DefaultStateExclude},
	}
}

// LookupPreset returns the path of the first preset file present under
// projectDir, or ok=false when the project carries none.
func LookupPreset(projectDir string) (string, bool) {
	for _, name := range PresetFileNames {
		path := filepath.Join(projectDir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// LoadPreset resolves the preset for a project: the first preset file in
// the lookup order merged over the built-in defaults, or the defaults
// alone when no file exists. The returned path is empty in the built-in
// case.
func LoadPreset(projectDir string) (*models.Preset, string, error) {
	preset := DefaultPreset()

	path, ok := LookupPreset(projectDir)
	if !ok {
		normalizePreset(preset)
		return preset, "", nil
	}

	loaded, err := ReadPresetFile(path)
	if err != nil {
		return nil, path, err
	}

	// User values win over defaults; zero-value fields keep the default.
	if err := mergo.Merge(preset, loaded, mergo.WithOverride); err != nil {
		return nil, path, NewLoadError(path, err)
	}

	normalizePreset(preset)

	if err := ValidatePreset(preset); err != nil {
		return nil, path, err
	}

	return preset, path, nil
}

// ReadPresetFile loads and schema-validates a single preset file without
// applying defaults. Environment variables in {{.VAR}} form are expanded
// before parsing.
func ReadPresetFile(path string) (*models.Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}

	if err := compiledPresetSchema().Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, schemaError(filepath.Base(path), ve)
		}
		return nil, NewLoadError(path, err)
	}

	var preset models.Preset
	if err := json.Unmarshal(data, &preset); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}

	return &preset, nil
}

// schemaError converts the validator's cause tree into a ValidationError
// pointing at the innermost failing instance location.
func schemaError(file string, ve *jsonschema.ValidationError) error {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return NewValidationError("preset", file, loc,
		fmt.Errorf("%w: %s", ErrValidationFailed, leaf.Message))
}

// normalizePreset fills per-metric defaults the schema leaves optional
// and guarantees the state-directory exclude is present.
func normalizePreset(p *models.Preset) {
	for i := range p.Metrics {
		if p.Metrics[i].Weight == 0 {
			p.Metrics[i].Weight = 1
		}
		if p.Metrics[i].Target == 0 {
			p.Metrics[i].Target = 100
		}
	}

	for _, pattern := range p.Exclude {
		if pattern == DefaultStateExclude {
			return
		}
	}
	p.Exclude = append(p.Exclude, DefaultStateExclude)
}

// ValidatePreset checks the cross-field rules the schema cannot express.
// It expects a normalized preset.
func ValidatePreset(p *models.Preset) error {
	if len(p.Metrics) == 0 {
		return NewValidationError("preset", "metrics", "", ErrNoMetrics)
	}

	seen := make(map[string]bool, len(p.Metrics))
	for _, m := range p.Metrics {
		key := strings.ToLower(m.Name)
		if seen[key] {
			return NewValidationError("metric", m.Name, "name",
				fmt.Errorf("%w: duplicate metric name", ErrInvalidValue))
		}
		seen[key] = true

		if m.Weight <= 0 {
			return NewValidationError("metric", m.Name, "weight",
				fmt.Errorf("%w: must be greater than zero", ErrInvalidValue))
		}
	}

	for _, s := range p.Strategies {
		if !seen[strings.ToLower(s.Focus)] {
			return NewValidationError("strategy", s.Name, "focus",
				fmt.Errorf("%w: metric '%s' not found", ErrInvalidReference, s.Focus))
		}
	}

	for _, pattern := range p.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return NewValidationError("preset", "exclude", pattern,
				fmt.Errorf("%w: invalid glob pattern", ErrInvalidValue))
		}
	}

	if p.MaxIterations < 1 {
		return NewValidationError("preset", "maxIterations", "",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	return nil
}
