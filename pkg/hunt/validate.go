package hunt

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"huntd/pkg/model"
)

// ValidationError reports every problem found in a hunt definition.
type ValidationError struct {
	HuntID string
	Err    *multierror.Error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid hunt %q: %v", e.HuntID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Problems lists the individual validation failures.
func (e *ValidationError) Problems() []string {
	out := make([]string, 0, len(e.Err.Errors))
	for _, err := range e.Err.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Normalize returns a copy of def whose DependsOn lists include every mapped
// source step, de-duplicated and sorted.
func Normalize(def model.HuntDefinition) model.HuntDefinition {
	out := def
	out.Steps = make([]model.StepDefinition, len(def.Steps))
	for i, s := range def.Steps {
		deps := map[string]struct{}{}
		for _, d := range s.DependsOn {
			if d != "" {
				deps[d] = struct{}{}
			}
		}
		for _, ref := range s.ParamMapping {
			if ref.SourceStepID != "" {
				deps[ref.SourceStepID] = struct{}{}
			}
		}
		s.DependsOn = make([]string, 0, len(deps))
		for d := range deps {
			s.DependsOn = append(s.DependsOn, d)
		}
		sort.Strings(s.DependsOn)
		out.Steps[i] = s
	}
	if out.ID == "" {
		out.ID = out.Name
	}
	return out
}

// Validate checks a normalized definition. knownPlugin may be nil to skip the plugin check.
func Validate(def model.HuntDefinition, knownPlugin func(string) bool) error {
	var merr *multierror.Error
	if def.ID == "" && def.Name == "" {
		merr = multierror.Append(merr, fmt.Errorf("hunt has neither id nor name"))
	}
	if len(def.Steps) == 0 {
		merr = multierror.Append(merr, fmt.Errorf("hunt has no steps"))
	}
	ids := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		switch {
		case s.StepID == "":
			merr = multierror.Append(merr, fmt.Errorf("step %d: missing step_id", i))
		case ids[s.StepID]:
			merr = multierror.Append(merr, fmt.Errorf("step %q: duplicate step_id", s.StepID))
		}
		ids[s.StepID] = true
		if s.PluginName == "" {
			merr = multierror.Append(merr, fmt.Errorf("step %q: missing plugin", s.StepID))
		} else if knownPlugin != nil && !knownPlugin(s.PluginName) {
			merr = multierror.Append(merr, fmt.Errorf("step %q: unknown plugin %q", s.StepID, s.PluginName))
		}
		if s.TimeoutSeconds < 0 {
			merr = multierror.Append(merr, fmt.Errorf("step %q: negative timeout", s.StepID))
		}
		for input, ref := range s.ParamMapping {
			if ref.OutputKey == "" {
				merr = multierror.Append(merr, fmt.Errorf("step %q: input %q has no output_key", s.StepID, input))
			}
		}
	}
	for _, s := range def.Steps {
		for _, d := range s.DependsOn {
			if d == s.StepID {
				merr = multierror.Append(merr, fmt.Errorf("step %q: depends on itself", s.StepID))
			} else if !ids[d] {
				merr = multierror.Append(merr, fmt.Errorf("step %q: depends on unknown step %q", s.StepID, d))
			}
		}
	}
	if merr == nil {
		if _, err := TopologicalOrder(def); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr.ErrorOrNil() == nil {
		return nil
	}
	id := def.ID
	if id == "" {
		id = def.Name
	}
	return &ValidationError{HuntID: id, Err: merr}
}

// TopologicalOrder returns step ids in dependency order, keeping definition
// order among steps that are ready together. It fails on cycles.
func TopologicalOrder(def model.HuntDefinition) ([]string, error) {
	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string)
	for _, s := range def.Steps {
		inDegree[s.StepID] += 0
		for _, d := range s.DependsOn {
			inDegree[s.StepID]++
			dependents[d] = append(dependents[d], s.StepID)
		}
	}

	var queue []string
	for _, s := range def.Steps {
		if inDegree[s.StepID] == 0 {
			queue = append(queue, s.StepID)
		}
	}

	order := make([]string, 0, len(def.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(inDegree) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle among steps %v", stuck)
	}
	return order, nil
}
