// Package bundle loads the bundled agent.Template tier from a directory of
// YAML template documents, grounded on the directory-scan/parse/Validate
// loader shape used for markdown-frontmatter agent definitions elsewhere
// (one file per template). LoadDir reads a single directory, and the first
// file that fails to read, parse or validate aborts the whole load.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/levelcode/agentkit/agent"
	"github.com/levelcode/agentkit/agent/registry"
	"github.com/levelcode/agentkit/agent/tools"
)

// document is the YAML-serialized form of one agent.Template. Schema
// fields are plain YAML mappings, marshaled back to JSON and compiled
// through tools.CompileSchema so a bundle author never hand-writes JSON
// Schema as an escaped string.
type document struct {
	ID                        string         `yaml:"id"`
	DisplayName               string         `yaml:"displayName"`
	Model                     string         `yaml:"model"`
	SystemPrompt              string         `yaml:"systemPrompt"`
	InstructionsPrompt        string         `yaml:"instructionsPrompt"`
	StepPrompt                string         `yaml:"stepPrompt"`
	ToolNames                 []string       `yaml:"toolNames"`
	SpawnableAgents           []string       `yaml:"spawnableAgents"`
	InputSchema               map[string]any `yaml:"inputSchema"`
	OutputSchema              map[string]any `yaml:"outputSchema"`
	OutputMode                string         `yaml:"outputMode"`
	IncludeMessageHistory     bool           `yaml:"includeMessageHistory"`
	InheritParentSystemPrompt bool           `yaml:"inheritParentSystemPrompt"`
	HandleStepsSource         string         `yaml:"handleStepsSource"`
	DefaultStepsRemaining     int            `yaml:"defaultStepsRemaining"`
}

// LoadDir parses every *.yaml/*.yml file directly under dir into a
// Template and installs it into reg's bundled tier. A per-file parse or
// validation error is returned wrapped with the offending path; callers
// wanting best-effort loading across many files should call LoadFile
// directly per path instead.
func LoadDir(dir string, reg *registry.Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("bundle: read dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		tmpl, err := LoadFile(path)
		if err != nil {
			return fmt.Errorf("bundle: %s: %w", path, err)
		}
		if err := reg.LoadBundle(tmpl); err != nil {
			return fmt.Errorf("bundle: %s: %w", path, err)
		}
	}
	return nil
}

// LoadFile parses a single YAML template document into an agent.Template.
func LoadFile(path string) (*agent.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML template document into an agent.Template, compiling
// its inputSchema/outputSchema (if present) and handleStepsSource (if
// present) into the runtime forms Template expects.
func Parse(raw []byte) (*agent.Template, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse template yaml: %w", err)
	}

	id, err := agent.ParseAgentID(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("template id: %w", err)
	}

	tmpl := &agent.Template{
		ID:                        id,
		DisplayName:               doc.DisplayName,
		Model:                     doc.Model,
		SystemPrompt:              doc.SystemPrompt,
		InstructionsPrompt:        doc.InstructionsPrompt,
		StepPrompt:                doc.StepPrompt,
		ToolNames:                 doc.ToolNames,
		SpawnableAgents:           doc.SpawnableAgents,
		OutputMode:                agent.OutputMode(doc.OutputMode),
		IncludeMessageHistory:     doc.IncludeMessageHistory,
		InheritParentSystemPrompt: doc.InheritParentSystemPrompt,
		DefaultStepsRemaining:     doc.DefaultStepsRemaining,
	}

	if doc.InputSchema != nil {
		schema, err := compileInlineSchema(doc.ID+"#input", doc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("inputSchema: %w", err)
		}
		tmpl.InputSchema = schema
	}
	if doc.OutputSchema != nil {
		schema, err := compileInlineSchema(doc.ID+"#output", doc.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("outputSchema: %w", err)
		}
		tmpl.OutputSchema = schema
	}
	if doc.HandleStepsSource != "" {
		tmpl.HandleSteps = agent.SourceStepHandler{Src: doc.HandleStepsSource}
	}

	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func compileInlineSchema(name string, m map[string]any) (*tools.Schema, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal schema to json: %w", err)
	}
	return tools.CompileSchema(name, b)
}
