// Package graph holds executable job graphs and the templates they are built from.
package graph

import (
	"sort"
	"strconv"
)

// JobGraph maps node ids to node descriptors, in the engine's API format.
type JobGraph map[string]*Node

// Node is one executable step of a job graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Title returns the display title stored in the node metadata, or the class type.
func (n *Node) Title() string {
	if t, ok := n.Meta["title"].(string); ok && t != "" {
		return t
	}
	return n.ClassType
}

// Link references an output of another node.
type Link struct {
	NodeID      string
	OutputIndex int
}

// AsLink reports whether an input value is a link of the form [nodeId, outputIndex].
func AsLink(v any) (Link, bool) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return Link{}, false
	}
	id, ok := arr[0].(string)
	if !ok {
		return Link{}, false
	}
	switch idx := arr[1].(type) {
	case float64:
		return Link{NodeID: id, OutputIndex: int(idx)}, true
	case int:
		return Link{NodeID: id, OutputIndex: idx}, true
	}
	return Link{}, false
}

// IsLiteral reports whether v is a substitutable scalar input rather than a
// reference to another node or a structured value.
func IsLiteral(v any) bool {
	switch v.(type) {
	case []any, map[string]any:
		return false
	}
	return true
}

// Clone returns a deep copy that shares no mutable state with g.
func (g JobGraph) Clone() JobGraph {
	if g == nil {
		return nil
	}
	out := make(JobGraph, len(g))
	for id, n := range g {
		if n == nil {
			out[id] = nil
			continue
		}
		cp := &Node{ClassType: n.ClassType}
		if n.Inputs != nil {
			cp.Inputs = cloneMap(n.Inputs)
		}
		if n.Meta != nil {
			cp.Meta = cloneMap(n.Meta)
		}
		out[id] = cp
	}
	return out
}

// NodeIDs returns node ids in natural order: numeric ids ascending, then the rest
// lexically.
func (g JobGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
