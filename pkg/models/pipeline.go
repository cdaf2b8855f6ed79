package models

import "time"

// PipelineFamily identifies which pipeline group a stage belongs to.
type PipelineFamily string

const (
	// FamilyStory is the story pipeline (plot, scenes, characters).
	FamilyStory PipelineFamily = "story"
	// FamilyVisual is the visual pipeline (scene interpretation, images, animation).
	FamilyVisual PipelineFamily = "visual"
	// FamilyAudio is the audio pipeline (music, speech, mixing).
	FamilyAudio PipelineFamily = "audio"
	// FamilyQuality is the quality gate pipeline (continuity, validation, moderation).
	FamilyQuality PipelineFamily = "quality"
)

// Valid returns true if the family is a known value.
func (f PipelineFamily) Valid() bool {
	switch f {
	case FamilyStory, FamilyVisual, FamilyAudio, FamilyQuality:
		return true
	default:
		return false
	}
}

// DispatchRank orders families when multiple stages become ready at once:
// story first, visual and audio together, quality last.
func (f PipelineFamily) DispatchRank() int {
	switch f {
	case FamilyStory:
		return 0
	case FamilyVisual, FamilyAudio:
		return 1
	case FamilyQuality:
		return 2
	default:
		return 3
	}
}

// Stage is one pipeline step bound to a single agent role and timeout.
type Stage struct {
	// Name uniquely identifies the stage within a pipeline definition.
	Name string `json:"name" yaml:"name"`
	// Family is the pipeline group this stage belongs to.
	Family PipelineFamily `json:"family" yaml:"family"`
	// Role is the agent role required to execute this stage.
	Role string `json:"role" yaml:"role"`
	// Timeout is the maximum execution time for one attempt.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// DependsOn lists stage names that must complete before this stage.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// Resources are the GPU/CPU units one execution of this stage reserves.
	Resources ResourceSpec `json:"resources" yaml:"resources"`
	// Optional marks enhancement stages whose failure is non-fatal:
	// the stage is skipped and downstream stages proceed.
	Optional bool `json:"optional,omitempty" yaml:"optional"`
	// Critical marks stages whose exhausted failure fails the whole
	// project (quality gates, content moderation).
	Critical bool `json:"critical,omitempty" yaml:"critical"`
}

// PipelineDefinition is an immutable acyclic stage graph covering all
// pipeline families for one project. Stage order is declaration order,
// which the orchestrator uses as the ready-set tie-break.
type PipelineDefinition struct {
	// Name identifies the definition (e.g. "default").
	Name string `json:"name" yaml:"name"`
	// Stages lists every stage across all families, in declaration order.
	Stages []Stage `json:"stages" yaml:"stages"`
}

// Stage returns the stage with the given name, or nil if not defined.
func (d *PipelineDefinition) Stage(name string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// Roles returns the set of distinct agent roles the definition requires.
func (d *PipelineDefinition) Roles() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, s := range d.Stages {
		if !seen[s.Role] {
			seen[s.Role] = true
			roles = append(roles, s.Role)
		}
	}
	return roles
}
