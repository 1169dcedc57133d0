package graph

import (
	"math/rand/v2"

	"genstudio/internal/models"
)

// FillInput carries the per-submission values substituted into a template.
type FillInput struct {
	Params         models.JobParams
	Prompt         string
	EnhancedPrompt string
	NegativePrompt string
	InputFilename  string
}

// ActivePrompt is the enhanced prompt when present, else the original one.
func (in FillInput) ActivePrompt() string {
	if in.EnhancedPrompt != "" {
		return in.EnhancedPrompt
	}
	return in.Prompt
}

// SeedSource draws random seeds. The default uses math/rand/v2.
type SeedSource func() uint32

// Filler materializes templates into submittable graphs.
type Filler struct {
	Seed SeedSource
}

// Fill substitutes in into a copy of tmpl using the default seed source.
func Fill(tmpl JobGraph, mappings []FieldMapping, in FillInput) JobGraph {
	return Filler{}.Fill(tmpl, mappings, in)
}

// Fill returns a deep copy of tmpl with every mapping applied. The template is
// never mutated. Mappings pointing at missing nodes are skipped, and inputs that
// currently hold a link are never overwritten. A random seed is drawn once per
// call and shared by every seed mapping.
func (f Filler) Fill(tmpl JobGraph, mappings []FieldMapping, in FillInput) JobGraph {
	out := tmpl.Clone()
	seed, seedDrawn := in.Params.Seed, false

	for _, m := range mappings {
		node, ok := out[m.NodeID]
		if !ok || node == nil || node.Inputs == nil {
			continue
		}
		if cur, exists := node.Inputs[m.FieldName]; exists && !IsLiteral(cur) {
			continue
		}

		var (
			value any
			set   = true
		)
		switch m.Role {
		case RolePrompt:
			value = in.ActivePrompt()
		case RoleNegativePrompt:
			value = in.NegativePrompt
		case RoleWidth:
			value = in.Params.Width
		case RoleHeight:
			value = in.Params.Height
		case RoleSteps:
			value = in.Params.Steps
		case RoleCFG:
			value = in.Params.CFGScale
		case RoleSeed:
			if in.Params.Seed == models.RandomSeed && !seedDrawn {
				seed, seedDrawn = int64(f.draw()), true
			}
			value = seed
		case RoleImageUpload:
			value, set = in.InputFilename, in.InputFilename != ""
		case RoleCheckpoint, RoleSampler, RoleScheduler, RoleCustom:
			value, set = in.Params.Lookup(m.FieldName)
		default:
			set = false
		}
		if set {
			node.Inputs[m.FieldName] = value
		}
	}
	return out
}

func (f Filler) draw() uint32 {
	if f.Seed != nil {
		return f.Seed()
	}
	return rand.Uint32()
}
