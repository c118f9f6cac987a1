package model

// ParamRef wires a step input to an upstream step output.
// An empty SourceStepID reads OutputKey from the execution's initial parameters.
type ParamRef struct {
	SourceStepID string `json:"sourceStepId,omitempty" yaml:"source_step_id,omitempty"`
	OutputKey    string `json:"outputKey" yaml:"output_key"`
	Optional     bool   `json:"optional,omitempty" yaml:"optional,omitempty"` // absent value is tolerated
}

// StepDefinition is one plugin invocation inside a hunt.
type StepDefinition struct {
	StepID         string              `json:"stepId" yaml:"step_id"`
	PluginName     string              `json:"pluginName" yaml:"plugin"`
	StaticParams   map[string]any      `json:"staticParams,omitempty" yaml:"static_params,omitempty"`
	ParamMapping   map[string]ParamRef `json:"paramMapping,omitempty" yaml:"param_mapping,omitempty"`
	DependsOn      []string            `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSeconds int                 `json:"timeoutSeconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// HuntDefinition is the immutable workflow template an execution runs.
type HuntDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	DisplayName string           `json:"displayName,omitempty" yaml:"display_name,omitempty"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the step definition with the given id.
func (d HuntDefinition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}
