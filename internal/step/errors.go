package step

import "fmt"

// ConfigError reports an invalid step configuration. It is raised by schema
// validation before a handler runs; a run rejected with a ConfigError leaves
// no state behind.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

// DependencyError reports that a step's resolved input is not available
// because the upstream step has no completed latest run. Raised before the
// handler is invoked.
type DependencyError struct {
	StepID string
	Output string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency not satisfied: step %q output %q has no completed run", e.StepID, e.Output)
}

// HandlerError is a fatal failure inside a handler's Run. The whole run fails
// atomically: no outputs are persisted, and any prior completed run stays
// current for downstream consumers.
type HandlerError struct {
	StepType string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.StepType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
