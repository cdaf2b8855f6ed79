// Package pipeline loads and validates pipeline definitions. A definition
// is the immutable stage graph a project executes: story, visual, audio,
// and quality stages with their dependencies, timeouts, and resource
// requirements.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fableforge/pkg/models"
)

// ErrInvalidDefinition indicates a definition failed structural validation.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// stageYAML is the on-disk shape of one stage. Timeouts are duration
// strings ("90s", "5m"), which yaml.v3 does not decode into
// time.Duration directly.
type stageYAML struct {
	Name      string              `yaml:"name"`
	Family    string              `yaml:"family"`
	Role      string              `yaml:"role"`
	Timeout   string              `yaml:"timeout"`
	DependsOn []string            `yaml:"depends_on"`
	Resources models.ResourceSpec `yaml:"resources"`
	Optional  bool                `yaml:"optional"`
	Critical  bool                `yaml:"critical"`
}

type definitionYAML struct {
	Name   string      `yaml:"name"`
	Stages []stageYAML `yaml:"stages"`
}

// Load reads a pipeline definition from a YAML file.
func Load(path string) (*models.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML pipeline definition.
func Parse(data []byte) (*models.PipelineDefinition, error) {
	var raw definitionYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pipeline yaml: %w", err)
	}

	def := &models.PipelineDefinition{Name: raw.Name}
	for _, s := range raw.Stages {
		stage := models.Stage{
			Name:      s.Name,
			Family:    models.PipelineFamily(s.Family),
			Role:      s.Role,
			DependsOn: s.DependsOn,
			Resources: s.Resources,
			Optional:  s.Optional,
			Critical:  s.Critical,
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %q timeout %q: %v", ErrInvalidDefinition, s.Name, s.Timeout, err)
			}
			stage.Timeout = d
		}
		def.Stages = append(def.Stages, stage)
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks structural invariants: unique stage names, known
// families, non-empty roles, positive timeouts, and defined dependencies.
// Cycle detection happens when the orchestrator builds the stage graph.
func Validate(def *models.PipelineDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: missing definition name", ErrInvalidDefinition)
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("%w: no stages defined", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		if s.Name == "" {
			return fmt.Errorf("%w: stage with empty name", ErrInvalidDefinition)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidDefinition, s.Name)
		}
		seen[s.Name] = true
		if !s.Family.Valid() {
			return fmt.Errorf("%w: stage %q has unknown family %q", ErrInvalidDefinition, s.Name, s.Family)
		}
		if s.Role == "" {
			return fmt.Errorf("%w: stage %q has no role", ErrInvalidDefinition, s.Name)
		}
		if s.Timeout <= 0 {
			return fmt.Errorf("%w: stage %q has no timeout", ErrInvalidDefinition, s.Name)
		}
		if s.Resources.GPUUnits < 0 || s.Resources.CPUUnits < 0 {
			return fmt.Errorf("%w: stage %q has negative resources", ErrInvalidDefinition, s.Name)
		}
	}
	for _, s := range def.Stages {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: stage %q depends on undefined stage %q", ErrInvalidDefinition, s.Name, dep)
			}
		}
	}
	return nil
}

// Default returns the built-in movie generation pipeline: the story
// stages fan out into parallel visual and audio branches, which converge
// on the quality gates.
func Default() *models.PipelineDefinition {
	return &models.PipelineDefinition{
		Name: "default",
		Stages: []models.Stage{
			// Story pipeline.
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer",
				Timeout: 90 * time.Second, Resources: models.ResourceSpec{CPUUnits: 1}},
			{Name: "plan_scenes", Family: models.FamilyStory, Role: "scene_planner",
				Timeout: 60 * time.Second, DependsOn: []string{"generate_plot"},
				Resources: models.ResourceSpec{CPUUnits: 1}},
			{Name: "develop_characters", Family: models.FamilyStory, Role: "character_designer",
				Timeout: 60 * time.Second, DependsOn: []string{"generate_plot"},
				Resources: models.ResourceSpec{CPUUnits: 1}},

			// Visual pipeline.
			{Name: "interpret_scenes", Family: models.FamilyVisual, Role: "scene_interpreter",
				Timeout: 60 * time.Second, DependsOn: []string{"plan_scenes", "develop_characters"},
				Resources: models.ResourceSpec{CPUUnits: 1}},
			{Name: "generate_images", Family: models.FamilyVisual, Role: "image_artist",
				Timeout: 5 * time.Minute, DependsOn: []string{"interpret_scenes"},
				Resources: models.ResourceSpec{GPUUnits: 2, CPUUnits: 1}},
			{Name: "create_animations", Family: models.FamilyVisual, Role: "animator",
				Timeout: 10 * time.Minute, DependsOn: []string{"generate_images"},
				Resources: models.ResourceSpec{GPUUnits: 4, CPUUnits: 2}},

			// Audio pipeline.
			{Name: "compose_music", Family: models.FamilyAudio, Role: "composer",
				Timeout: 3 * time.Minute, DependsOn: []string{"plan_scenes"},
				Resources: models.ResourceSpec{GPUUnits: 1, CPUUnits: 1}, Optional: true},
			{Name: "generate_speech", Family: models.FamilyAudio, Role: "voice_artist",
				Timeout: 3 * time.Minute, DependsOn: []string{"develop_characters"},
				Resources: models.ResourceSpec{GPUUnits: 1, CPUUnits: 1}},
			{Name: "mix_audio", Family: models.FamilyAudio, Role: "audio_mixer",
				Timeout: 2 * time.Minute, DependsOn: []string{"compose_music", "generate_speech"},
				Resources: models.ResourceSpec{CPUUnits: 2}},

			// Quality pipeline.
			{Name: "check_continuity", Family: models.FamilyQuality, Role: "continuity_checker",
				Timeout: 2 * time.Minute, DependsOn: []string{"create_animations", "mix_audio"},
				Resources: models.ResourceSpec{CPUUnits: 1}, Optional: true},
			{Name: "validate_technical", Family: models.FamilyQuality, Role: "technical_validator",
				Timeout: 2 * time.Minute, DependsOn: []string{"create_animations", "mix_audio"},
				Resources: models.ResourceSpec{CPUUnits: 1}, Critical: true},
			{Name: "moderate_content", Family: models.FamilyQuality, Role: "content_moderator",
				Timeout: 2 * time.Minute, DependsOn: []string{"check_continuity", "validate_technical"},
				Resources: models.ResourceSpec{CPUUnits: 1}, Critical: true},
		},
	}
}
