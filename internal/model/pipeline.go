package model

import (
	"fmt"
	"strings"
	"time"
)

// Runtime constants for step scripts.
const (
	RuntimePython = "python"
	RuntimeNode   = "node"
	RuntimeGo     = "go"
	RuntimeShell  = "sh"
)

// KnownRuntime reports whether rt is a supported step runtime.
func KnownRuntime(rt string) bool {
	switch rt {
	case RuntimePython, RuntimeNode, RuntimeGo, RuntimeShell:
		return true
	}
	return false
}

// DataRef is a reference into a registered datastore, written as
// "datastore/path/prefix" (the prefix may be empty).
type DataRef struct {
	Datastore string `json:"datastore"`
	Prefix    string `json:"prefix"`
}

// String returns the canonical "datastore/prefix" form of the reference.
func (r DataRef) String() string {
	if r.Prefix == "" {
		return r.Datastore
	}
	return r.Datastore + "/" + r.Prefix
}

// ParseDataRef parses a "datastore/path/prefix" string into a DataRef.
func ParseDataRef(s string) (DataRef, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return DataRef{}, fmt.Errorf("empty data reference")
	}
	ds, prefix, _ := strings.Cut(s, "/")
	if strings.Contains(prefix, "..") {
		return DataRef{}, fmt.Errorf("data reference %q: prefix must not contain ..", s)
	}
	return DataRef{Datastore: ds, Prefix: prefix}, nil
}

// Step is a single script invocation in a pipeline, with declared named
// inputs and outputs that chain it to its neighbours.
type Step struct {
	Name       string             `json:"name"`
	Script     string             `json:"script"`
	Runtime    string             `json:"runtime"`
	Arguments  []string           `json:"arguments,omitempty"`
	Inputs     map[string]DataRef `json:"inputs,omitempty"`
	Outputs    map[string]DataRef `json:"outputs,omitempty"`
	AllowReuse bool               `json:"allow_reuse"`
}

// Pipeline is an immutable ordered list of script steps registered in a
// workspace. Changing a pipeline means creating a new one.
type Pipeline struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}

// PublishedPipeline is a versioned, invocable snapshot of a pipeline.
// Versions increment per published name within a workspace.
type PublishedPipeline struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	PipelineID  string    `json:"pipeline_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	Disabled    bool      `json:"disabled"`
	Endpoint    string    `json:"endpoint"`
	CreatedAt   time.Time `json:"created_at"`
}
