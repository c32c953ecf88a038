package pipeline

import (
	"fmt"
	"strings"

	"github.com/kilnml/kiln/internal/model"
)

// Validate checks a pipeline's steps against the workspace's registered
// datastores and the chaining rules: the declared step order must be a valid
// topological order of the data-reference graph, so a step may only consume
// an intermediate reference after the step that produces it.
func Validate(steps []model.Step, datastores map[string]bool) error {
	if len(steps) == 0 {
		return fmt.Errorf("pipeline has no steps")
	}

	// producedBy maps a reference (canonical string form) to the index of
	// the step that declares it as an output.
	producedBy := make(map[string]int)
	names := make(map[string]bool)

	for i, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if names[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		names[step.Name] = true

		if step.Script == "" {
			return fmt.Errorf("step %q: script is required", step.Name)
		}
		if !model.KnownRuntime(step.Runtime) {
			return fmt.Errorf("step %q: unknown runtime %q", step.Name, step.Runtime)
		}

		for name, ref := range step.Outputs {
			if !datastores[ref.Datastore] {
				return fmt.Errorf("step %q output %q: datastore %q is not registered",
					step.Name, name, ref.Datastore)
			}
			key := ref.String()
			if prev, ok := producedBy[key]; ok {
				return fmt.Errorf("steps %q and %q both produce %q",
					steps[prev].Name, step.Name, key)
			}
			producedBy[key] = i
		}
	}

	for i, step := range steps {
		for name, ref := range step.Inputs {
			if !datastores[ref.Datastore] {
				return fmt.Errorf("step %q input %q: datastore %q is not registered",
					step.Name, name, ref.Datastore)
			}
			producer, produced := producedBy[ref.String()]
			if produced && producer >= i {
				return fmt.Errorf("step %q consumes %q before step %q produces it",
					step.Name, ref.String(), steps[producer].Name)
			}
		}
	}

	return nil
}

// ExpandArguments substitutes {inputs.NAME} and {outputs.NAME} placeholders
// in a step's argument template with resolved directories.
func ExpandArguments(step model.Step, inputDirs, outputDirs map[string]string) ([]string, error) {
	args := make([]string, len(step.Arguments))
	for i, arg := range step.Arguments {
		expanded, err := expandArg(arg, inputDirs, outputDirs)
		if err != nil {
			return nil, fmt.Errorf("step %q argument %d: %w", step.Name, i, err)
		}
		args[i] = expanded
	}
	return args, nil
}

func expandArg(arg string, inputDirs, outputDirs map[string]string) (string, error) {
	// Build into a fresh buffer so substituted directory values are never
	// rescanned for placeholders.
	var b strings.Builder
	rest := arg
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		length := strings.IndexByte(rest[start:], '}')
		if length < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", arg)
		}
		end := start + length

		placeholder := rest[start+1 : end]
		var dir string
		var ok bool
		switch {
		case len(placeholder) > 7 && placeholder[:7] == "inputs.":
			dir, ok = inputDirs[placeholder[7:]]
		case len(placeholder) > 8 && placeholder[:8] == "outputs.":
			dir, ok = outputDirs[placeholder[8:]]
		default:
			return "", fmt.Errorf("unknown placeholder {%s}", placeholder)
		}
		if !ok {
			return "", fmt.Errorf("placeholder {%s} names no declared reference", placeholder)
		}

		b.WriteString(rest[:start])
		b.WriteString(dir)
		rest = rest[end+1:]
	}
}
