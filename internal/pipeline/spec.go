// Package pipeline parses and validates pipeline definitions: ordered script
// steps chained through named data references.
package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kilnml/kiln/internal/model"
)

// Spec is the YAML document describing a pipeline.
type Spec struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []StepSpec `yaml:"steps"`
}

// StepSpec is one step entry in a pipeline spec. Inputs and outputs map
// reference names to "datastore/prefix" strings.
type StepSpec struct {
	Name       string            `yaml:"name"`
	Script     string            `yaml:"script"`
	Runtime    string            `yaml:"runtime"`
	Arguments  []string          `yaml:"arguments"`
	Inputs     map[string]string `yaml:"inputs"`
	Outputs    map[string]string `yaml:"outputs"`
	AllowReuse bool              `yaml:"allow_reuse"`
}

// ParseSpec decodes a YAML pipeline spec into model steps.
func ParseSpec(data []byte) (*Spec, []model.Step, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, nil, fmt.Errorf("parse pipeline spec: %w", err)
	}
	if spec.Name == "" {
		return nil, nil, fmt.Errorf("pipeline spec: name is required")
	}

	steps := make([]model.Step, 0, len(spec.Steps))
	for _, ss := range spec.Steps {
		step := model.Step{
			Name:       ss.Name,
			Script:     ss.Script,
			Runtime:    ss.Runtime,
			Arguments:  ss.Arguments,
			AllowReuse: ss.AllowReuse,
		}
		var err error
		if step.Inputs, err = parseRefs(ss.Inputs); err != nil {
			return nil, nil, fmt.Errorf("step %q inputs: %w", ss.Name, err)
		}
		if step.Outputs, err = parseRefs(ss.Outputs); err != nil {
			return nil, nil, fmt.Errorf("step %q outputs: %w", ss.Name, err)
		}
		steps = append(steps, step)
	}

	return &spec, steps, nil
}

func parseRefs(raw map[string]string) (map[string]model.DataRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	refs := make(map[string]model.DataRef, len(raw))
	for name, s := range raw {
		ref, err := model.ParseDataRef(s)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", name, err)
		}
		refs[name] = ref
	}
	return refs, nil
}
