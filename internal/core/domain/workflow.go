package domain

import "fmt"

type WorkflowType string

const (
	// WorkflowSol computes solar radiation surfaces from a DEM.
	WorkflowSol WorkflowType = "sol"
	// WorkflowEEMT computes effective energy and mass transfer, which
	// additionally needs a climate year range.
	WorkflowEEMT WorkflowType = "eemt"
)

func ParseWorkflowType(s string) (WorkflowType, error) {
	switch WorkflowType(s) {
	case WorkflowSol, WorkflowEEMT:
		return WorkflowType(s), nil
	}
	return "", fmt.Errorf("unknown workflow type: %q", s)
}

// Parameters is the workflow configuration supplied at job creation.
// Zero values are replaced by the documented defaults in WithDefaults.
type Parameters struct {
	Step        float64 `json:"step"`
	LinkeValue  float64 `json:"linke_value"`
	AlbedoValue float64 `json:"albedo_value"`
	NumThreads  int     `json:"num_threads"`

	// Year range, eemt workflows only.
	StartYear int `json:"start_year,omitempty"`
	EndYear   int `json:"end_year,omitempty"`

	// MemoryLimitMB caps the execution unit; 0 means the engine default.
	MemoryLimitMB int `json:"memory_limit_mb,omitempty"`
}

const (
	DefaultStep        = 15.0
	DefaultLinkeValue  = 3.0
	DefaultAlbedoValue = 0.2
	DefaultNumThreads  = 4
	DefaultMemoryMB    = 8192
)

// WithDefaults fills unset fields with the documented defaults.
func (p Parameters) WithDefaults() Parameters {
	if p.Step == 0 {
		p.Step = DefaultStep
	}
	if p.LinkeValue == 0 {
		p.LinkeValue = DefaultLinkeValue
	}
	if p.AlbedoValue == 0 {
		p.AlbedoValue = DefaultAlbedoValue
	}
	if p.NumThreads <= 0 {
		p.NumThreads = DefaultNumThreads
	}
	if p.MemoryLimitMB <= 0 {
		p.MemoryLimitMB = DefaultMemoryMB
	}
	return p
}

// Validate rejects parameter sets the workflow executables cannot run with.
func (p Parameters) Validate(wt WorkflowType) error {
	if p.Step < 0 {
		return fmt.Errorf("step must be positive, got %v", p.Step)
	}
	if p.NumThreads < 0 {
		return fmt.Errorf("num_threads must be positive, got %d", p.NumThreads)
	}
	if wt == WorkflowEEMT {
		if p.StartYear == 0 || p.EndYear == 0 {
			return fmt.Errorf("eemt workflow requires start_year and end_year")
		}
		if p.EndYear < p.StartYear {
			return fmt.Errorf("end_year %d precedes start_year %d", p.EndYear, p.StartYear)
		}
	}
	return nil
}
