package models

import (
	"encoding/json"
	"fmt"
)

// RandomSeed asks for a freshly drawn seed on every submission.
const RandomSeed int64 = -1

// JobParams are the user adjustable values of a submission. Extra holds any
// additional named values (checkpoint, sampler, custom fields) keyed by the
// graph field name they target.
type JobParams struct {
	Width    int
	Height   int
	Steps    int
	CFGScale float64
	Seed     int64
	Extra    map[string]any
}

var paramKeys = map[string]struct{}{
	"width":    {},
	"height":   {},
	"steps":    {},
	"cfgScale": {},
	"seed":     {},
}

// Lookup returns the value stored under name. Unset or null values report false.
func (p JobParams) Lookup(name string) (any, bool) {
	switch name {
	case "width":
		return p.Width, true
	case "height":
		return p.Height, true
	case "steps":
		return p.Steps, true
	case "cfgScale":
		return p.CFGScale, true
	case "seed":
		return p.Seed, true
	}
	v, ok := p.Extra[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// MarshalJSON flattens Extra next to the fixed fields.
func (p JobParams) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+5)
	for k, v := range p.Extra {
		if v == nil {
			continue
		}
		out[k] = v
	}
	out["width"] = p.Width
	out["height"] = p.Height
	out["steps"] = p.Steps
	out["cfgScale"] = p.CFGScale
	out["seed"] = p.Seed
	return json.Marshal(out)
}

// UnmarshalJSON reads the fixed fields and keeps every other key in Extra.
func (p *JobParams) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := JobParams{Seed: RandomSeed}
	fields := map[string]any{
		"width":    &decoded.Width,
		"height":   &decoded.Height,
		"steps":    &decoded.Steps,
		"cfgScale": &decoded.CFGScale,
		"seed":     &decoded.Seed,
	}
	for key, msg := range raw {
		if string(msg) == "null" {
			continue
		}
		if dst, ok := fields[key]; ok {
			if err := json.Unmarshal(msg, dst); err != nil {
				return fmt.Errorf("params.%s: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return fmt.Errorf("params.%s: %w", key, err)
		}
		if decoded.Extra == nil {
			decoded.Extra = make(map[string]any)
		}
		decoded.Extra[key] = v
	}
	*p = decoded
	return nil
}

// Validate rejects params that would overwrite template literals with
// unusable values. An absent params object decodes to all zeros and fails here.
func (p JobParams) Validate() error {
	switch {
	case p.Width <= 0:
		return Invalid("params.width", "must be positive")
	case p.Height <= 0:
		return Invalid("params.height", "must be positive")
	case p.Steps <= 0:
		return Invalid("params.steps", "must be positive")
	case p.CFGScale < 0:
		return Invalid("params.cfgScale", "must not be negative")
	case p.Seed < RandomSeed:
		return Invalid("params.seed", "must be -1 or a non-negative value")
	}
	return nil
}

// IsParamKey reports whether key is one of the fixed parameter names.
func IsParamKey(key string) bool {
	_, ok := paramKeys[key]
	return ok
}
