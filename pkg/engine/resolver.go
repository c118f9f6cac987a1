package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"huntd/pkg/model"
)

// Resolve builds the concrete parameters for step from the execution's
// initial parameters and its completed upstream results. Static params are
// copied first; mapped values override them. For step outputs the last data
// event carrying the key wins.
func Resolve(step model.StepDefinition, exec model.HuntExecution) (map[string]any, *model.StepError) {
	params := model.CloneParams(step.StaticParams)
	if params == nil {
		params = make(map[string]any, len(step.ParamMapping))
	}

	keys := make([]string, 0, len(step.ParamMapping))
	for k := range step.ParamMapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var missing []string
	for _, name := range keys {
		ref := step.ParamMapping[name]
		v, ok := lookupRef(ref, exec)
		if !ok {
			if !ref.Optional {
				missing = append(missing, describeRef(name, ref))
			}
			continue
		}
		params[name] = model.CloneValue(v)
	}
	if len(missing) > 0 {
		return nil, &model.StepError{
			Kind:    model.ErrMissingParam,
			Message: "unresolved parameters: " + strings.Join(missing, ", "),
		}
	}
	return params, nil
}

func lookupRef(ref model.ParamRef, exec model.HuntExecution) (any, bool) {
	if ref.SourceStepID == "" {
		return lookupKey(exec.InitialParameters, ref.OutputKey)
	}
	src := exec.Step(ref.SourceStepID)
	if src == nil || src.Status != model.StepCompleted {
		return nil, false
	}
	for i := len(src.Results) - 1; i >= 0; i-- {
		ev := src.Results[i]
		if ev.Type != model.EventData || len(ev.Payload) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(ev.Payload, &obj); err != nil {
			continue // not an object
		}
		if v, ok := lookupKey(obj, ref.OutputKey); ok {
			return v, true
		}
	}
	return nil, false
}

// lookupKey matches key literally first, then as a dotted path into nested objects.
func lookupKey(obj map[string]any, key string) (any, bool) {
	if obj == nil || key == "" {
		return nil, false
	}
	if v, ok := obj[key]; ok && v != nil {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var cur any = obj
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func describeRef(name string, ref model.ParamRef) string {
	if ref.SourceStepID == "" {
		return fmt.Sprintf("%s (initial parameter %q)", name, ref.OutputKey)
	}
	return fmt.Sprintf("%s (%s.%s)", name, ref.SourceStepID, ref.OutputKey)
}
