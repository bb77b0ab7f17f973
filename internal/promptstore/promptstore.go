// Copyright 2025 James Ross

// Package promptstore renders the system prompt for a tagging
// dimension. Reshaped from the original service's Jinja2
// FileSystemLoader (app/prompts/prompt_manager.py) into Go's
// text/template over a compiled-in template set, since this repo's
// prompts take no runtime parameters beyond the dimension itself.
package promptstore

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/vtag/pipeline/internal/taskerr"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Store holds the precompiled prompt templates and the set of
// dimension names a worker is configured to fan out over. Dimension
// validity is checked against that configured set, not a hardcoded
// list, since the original's four-name list
// (vision/audio/content-semantics/commercial-value) is itself
// operator-configurable here.
type Store struct {
	templates  *template.Template
	dimensions map[string]bool
}

func New(dimensions []string) (*Store, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	dims := make(map[string]bool, len(dimensions))
	for _, d := range dimensions {
		dims[d] = true
	}
	return &Store{templates: tmpl, dimensions: dims}, nil
}

// GetPrompt renders the system prompt for dimension, rejecting any
// dimension not in the configured set, mirroring get_prompt's
// "提示词非法" validation.
func (s *Store) GetPrompt(dimension string) (string, error) {
	if !s.dimensions[dimension] {
		return "", fmt.Errorf("%w: illegal dimension %q", taskerr.ErrInvalidInput, dimension)
	}
	var sb strings.Builder
	name := dimension + ".tmpl"
	if err := s.templates.ExecuteTemplate(&sb, name, nil); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return sb.String(), nil
}
