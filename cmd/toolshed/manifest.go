package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"toolshed/internal/domain"
)

// manifest is the on-disk plugin description the install command reads.
// Executors are declared per tool: a native handler key, inline script
// source, or a wasm file path resolved relative to the manifest.
type manifest struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Tools       []manifestTool `yaml:"tools"`
	Hooks       *manifestHooks `yaml:"hooks"`
}

type manifestTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
	Handler     string         `yaml:"handler"`
	Script      string         `yaml:"script"`
	WASMFile    string         `yaml:"wasm_file"`
	WASMExport  string         `yaml:"wasm_export"`
}

type manifestHooks struct {
	Handler       string `yaml:"handler"`
	OnRegister    string `yaml:"on_register"`
	BeforeRequest string `yaml:"before_request"`
	AfterResponse string `yaml:"after_response"`
	OnError       string `yaml:"on_error"`
}

// loadManifest reads a YAML manifest and converts it to a Definition.
func loadManifest(path string) (domain.Definition, error) {
	var def domain.Definition

	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return def, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return def, fmt.Errorf("manifest has no plugin name")
	}

	def = domain.Definition{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Executors:   make(map[string]domain.ExecutorSpec),
	}

	baseDir := filepath.Dir(path)
	for _, t := range m.Tools {
		decl := domain.ToolDecl{Name: t.Name, Description: t.Description}
		if t.Parameters != nil {
			params, err := json.Marshal(t.Parameters)
			if err != nil {
				return def, fmt.Errorf("tool %q parameters: %w", t.Name, err)
			}
			decl.Parameters = params
		}
		def.Tools = append(def.Tools, decl)

		switch {
		case t.Handler != "":
			def.Executors[t.Name] = domain.NativeExecutor(t.Handler)
		case t.WASMFile != "":
			module, err := os.ReadFile(filepath.Join(baseDir, t.WASMFile))
			if err != nil {
				return def, fmt.Errorf("tool %q wasm module: %w", t.Name, err)
			}
			def.Executors[t.Name] = domain.WASMExecutor(module, t.WASMExport)
		case t.Script != "":
			def.Executors[t.Name] = domain.ScriptExecutor(t.Script)
		}
	}

	if m.Hooks != nil {
		def.Hooks = &domain.HookSpecs{
			Handler:       m.Hooks.Handler,
			OnRegister:    m.Hooks.OnRegister,
			BeforeRequest: m.Hooks.BeforeRequest,
			AfterResponse: m.Hooks.AfterResponse,
			OnError:       m.Hooks.OnError,
		}
	}

	return def, nil
}
