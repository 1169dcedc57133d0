package graph

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"genstudio/internal/models"
)

// FieldMapping ties one user-facing parameter to a literal input of a node.
type FieldMapping struct {
	NodeID       string `json:"nodeId"`
	FieldName    string `json:"fieldName"`
	Role         Role   `json:"role"`
	Label        string `json:"label"`
	DefaultValue any    `json:"defaultValue,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Workflow is a stored, reusable job graph template with its mappings.
type Workflow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Category     models.Mode    `json:"category"`
	Graph        JobGraph       `json:"graph"`
	Mappings     []FieldMapping `json:"mappings"`
	OutputNodeID string         `json:"outputNodeId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Casers keep state between calls, so each call gets its own.
func titleize(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}
