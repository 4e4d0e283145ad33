package types

// WorkflowDefinition is the declarative form a client submits
type WorkflowDefinition struct {
	Name     string           `json:"name" yaml:"name"`
	Schedule string           `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Context  map[string]any   `json:"context,omitempty" yaml:"context,omitempty"`
	Tasks    []TaskDefinition `json:"tasks" yaml:"tasks"`
}

// TaskDefinition declares one task of a workflow.
// MaxRetries is a pointer so an explicit 0 can be told apart from "use the default".
type TaskDefinition struct {
	ID            string                     `json:"id" yaml:"id"`
	Name          string                     `json:"name,omitempty" yaml:"name,omitempty"`
	Function      string                     `json:"function" yaml:"function"`
	Params        map[string]any             `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn     []string                   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition     string                     `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaxRetries    *int                       `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryStrategy RetryStrategy              `json:"retry_strategy,omitempty" yaml:"retry_strategy,omitempty"`
	Callbacks     map[CallbackEvent][]string `json:"callbacks,omitempty" yaml:"callbacks,omitempty"`
}
