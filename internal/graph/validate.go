package graph

import (
	"encoding/json"
	"fmt"

	"genstudio/internal/models"
)

// ParseAPIFormat decodes a graph exported in the engine's API format. The
// visual editor export (nodes and links arrays) is rejected with a hint.
func ParseAPIFormat(raw []byte) (JobGraph, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, models.Invalid("graph", "must be an object keyed by node id")
	}
	_, hasNodes := probe["nodes"]
	_, hasLinks := probe["links"]
	if hasNodes && hasLinks {
		return nil, models.Invalid("graph", `visual workflow format detected (has "nodes" and "links"); export the API format instead`)
	}
	if len(probe) == 0 {
		return nil, models.Invalid("graph", "workflow has no nodes")
	}

	g := make(JobGraph, len(probe))
	for id, msg := range probe {
		var n Node
		if err := json.Unmarshal(msg, &n); err != nil || n.ClassType == "" {
			// Non-node entries are tolerated as long as some node is present.
			continue
		}
		g[id] = &n
	}
	if len(g) == 0 {
		return nil, models.Invalid("graph", "no nodes with class_type found")
	}
	return g, nil
}

// Validate checks that every link in g references an existing node and that
// every mapping is a known role pointing at a literal input of an existing node.
func Validate(g JobGraph, mappings []FieldMapping) error {
	for _, id := range g.NodeIDs() {
		n := g[id]
		if n == nil {
			return models.Invalid("graph", fmt.Sprintf("node %s is empty", id))
		}
		for field, v := range n.Inputs {
			link, ok := AsLink(v)
			if !ok {
				continue
			}
			if _, exists := g[link.NodeID]; !exists {
				return models.Invalid("graph", fmt.Sprintf("node %s input %q links to missing node %s", id, field, link.NodeID))
			}
		}
	}
	for i, m := range mappings {
		if !m.Role.Valid() {
			return models.Invalid(fmt.Sprintf("mappings[%d].role", i), fmt.Sprintf("unknown role %q", m.Role))
		}
		n, ok := g[m.NodeID]
		if !ok || n == nil {
			return models.Invalid(fmt.Sprintf("mappings[%d].nodeId", i), fmt.Sprintf("node %s not in graph", m.NodeID))
		}
		if m.FieldName == "" {
			return models.Invalid(fmt.Sprintf("mappings[%d].fieldName", i), "required")
		}
		if v, exists := n.Inputs[m.FieldName]; exists && !IsLiteral(v) {
			return models.Invalid(fmt.Sprintf("mappings[%d].fieldName", i), fmt.Sprintf("input %q of node %s is a link", m.FieldName, m.NodeID))
		}
	}
	return nil
}
