package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fableforge/internal/graph"
	"fableforge/pkg/models"
)

func TestDefaultDefinitionIsValid(t *testing.T) {
	def := Default()
	if err := Validate(def); err != nil {
		t.Fatalf("default definition invalid: %v", err)
	}
	g := graph.New()
	if err := g.Build(def); err != nil {
		t.Fatalf("default definition does not build: %v", err)
	}

	// The quality gates must sit downstream of both branches.
	deps := def.Stage("moderate_content").DependsOn
	if len(deps) != 2 {
		t.Errorf("moderate_content deps = %v", deps)
	}
	if !def.Stage("moderate_content").Critical || !def.Stage("validate_technical").Critical {
		t.Errorf("quality gates must be critical")
	}
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
name: short
stages:
  - name: generate_plot
    family: story
    role: story_writer
    timeout: 90s
    resources:
      cpu_units: 1
  - name: generate_images
    family: visual
    role: image_artist
    timeout: 5m
    depends_on: [generate_plot]
    resources:
      gpu_units: 2
      cpu_units: 1
  - name: moderate_content
    family: quality
    role: content_moderator
    timeout: 1m
    depends_on: [generate_images]
    critical: true
`)
	def, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "short" || len(def.Stages) != 3 {
		t.Fatalf("parsed definition = %+v", def)
	}
	img := def.Stage("generate_images")
	if img.Timeout != 5*time.Minute || img.Resources.GPUUnits != 2 {
		t.Errorf("generate_images = %+v", img)
	}
	if !def.Stage("moderate_content").Critical {
		t.Errorf("critical flag lost")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	data := []byte(`
name: file-test
stages:
  - name: generate_plot
    family: story
    role: story_writer
    timeout: 30s
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Name != "file-test" {
		t.Errorf("name = %q", def.Name)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *models.PipelineDefinition {
		return &models.PipelineDefinition{
			Name: "t",
			Stages: []models.Stage{
				{Name: "a", Family: models.FamilyStory, Role: "r", Timeout: time.Second},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.PipelineDefinition)
	}{
		{"empty name", func(d *models.PipelineDefinition) { d.Name = "" }},
		{"no stages", func(d *models.PipelineDefinition) { d.Stages = nil }},
		{"duplicate stage", func(d *models.PipelineDefinition) {
			d.Stages = append(d.Stages, d.Stages[0])
		}},
		{"unknown family", func(d *models.PipelineDefinition) { d.Stages[0].Family = "lighting" }},
		{"missing role", func(d *models.PipelineDefinition) { d.Stages[0].Role = "" }},
		{"missing timeout", func(d *models.PipelineDefinition) { d.Stages[0].Timeout = 0 }},
		{"negative resources", func(d *models.PipelineDefinition) { d.Stages[0].Resources.GPUUnits = -1 }},
		{"undefined dependency", func(d *models.PipelineDefinition) {
			d.Stages[0].DependsOn = []string{"ghost"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(def)
			if err := Validate(def); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestParseRejectsBadTimeout(t *testing.T) {
	data := []byte(`
name: bad
stages:
  - name: a
    family: story
    role: r
    timeout: ninety-seconds
`)
	if _, err := Parse(data); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("expected ErrInvalidDefinition for bad timeout, got %v", err)
	}
}
