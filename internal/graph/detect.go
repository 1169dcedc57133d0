package graph

import (
	"strings"

	"genstudio/internal/models"
)

var negativeHints = []string{"bad", "ugly", "deformed", "worst quality", "low quality", "blurry", "negative"}

func looksNegative(text string) bool {
	lower := strings.ToLower(text)
	for _, h := range negativeHints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// DetectMappings suggests field mappings for well known node classes. The first
// non-negative looking text encoder becomes the prompt; later ones become
// negative prompts.
func DetectMappings(g JobGraph) []FieldMapping {
	var (
		out         []FieldMapping
		promptFound bool
	)
	add := func(id, field string, role Role, def any) {
		out = append(out, FieldMapping{NodeID: id, FieldName: field, Role: role, Label: role.Label(), DefaultValue: def})
	}

	for _, id := range g.NodeIDs() {
		n := g[id]
		if n == nil || n.Inputs == nil {
			continue
		}
		has := func(field string) bool {
			v, ok := n.Inputs[field]
			return ok && IsLiteral(v)
		}

		switch n.ClassType {
		case "CLIPTextEncode":
			if !has("text") {
				continue
			}
			text, _ := n.Inputs["text"].(string)
			if looksNegative(text) || promptFound {
				add(id, "text", RoleNegativePrompt, text)
				continue
			}
			add(id, "text", RolePrompt, text)
			promptFound = true
		case "KSampler", "KSamplerAdvanced":
			for _, f := range []struct {
				field string
				role  Role
			}{{"steps", RoleSteps}, {"cfg", RoleCFG}} {
				if has(f.field) {
					add(id, f.field, f.role, n.Inputs[f.field])
				}
			}
			if has("seed") {
				add(id, "seed", RoleSeed, n.Inputs["seed"])
			} else if has("noise_seed") {
				add(id, "noise_seed", RoleSeed, n.Inputs["noise_seed"])
			}
			if has("sampler_name") {
				add(id, "sampler_name", RoleSampler, n.Inputs["sampler_name"])
			}
			if has("scheduler") {
				add(id, "scheduler", RoleScheduler, n.Inputs["scheduler"])
			}
		case "SamplerCustom", "SamplerCustomAdvanced":
			if has("cfg") {
				add(id, "cfg", RoleCFG, n.Inputs["cfg"])
			}
		case "EmptyLatentImage", "EmptySD3LatentImage", "EmptyHunyuanLatentVideo":
			if has("width") {
				add(id, "width", RoleWidth, n.Inputs["width"])
			}
			if has("height") {
				add(id, "height", RoleHeight, n.Inputs["height"])
			}
		case "CheckpointLoaderSimple", "CheckpointLoader":
			if has("ckpt_name") {
				add(id, "ckpt_name", RoleCheckpoint, n.Inputs["ckpt_name"])
			}
		case "LoadImage":
			if has("image") {
				add(id, "image", RoleImageUpload, "")
			}
		}
	}
	return out
}

var outputClasses = map[string]struct{}{
	"saveimage":        {},
	"previewimage":     {},
	"saveanimatedwebp": {},
	"saveanimatedpng":  {},
	"saveanimatedgif":  {},
	"vhs_videocombine": {},
	"savevideo":        {},
}

// DetectOutputNode returns the id of the first node that writes media, or "".
func DetectOutputNode(g JobGraph) string {
	for _, id := range g.NodeIDs() {
		n := g[id]
		if n == nil {
			continue
		}
		if _, ok := outputClasses[strings.ToLower(n.ClassType)]; ok {
			return id
		}
	}
	return ""
}

var videoClasses = map[string]struct{}{
	"vhs_videocombine":          {},
	"saveanimatedwebp":          {},
	"saveanimatedpng":           {},
	"savevideo":                 {},
	"svd_img2vid_conditioning":  {},
	"imageonlycheckpointloader": {},
	"emptyhunyuanlatentvideo":   {},
	"wan_fun_inp_sampler":       {},
}

// SuggestMode guesses the mode a graph was built for from its node classes.
func SuggestMode(g JobGraph) models.Mode {
	var hasVideo, hasImageInput bool
	for _, n := range g {
		if n == nil {
			continue
		}
		class := strings.ToLower(n.ClassType)
		if _, ok := videoClasses[class]; ok {
			hasVideo = true
		}
		if class == "loadimage" {
			hasImageInput = true
		}
	}
	switch {
	case hasVideo && hasImageInput:
		return models.ModeImageToVideo
	case hasVideo:
		return models.ModeTextToVideo
	case hasImageInput:
		return models.ModeImageToImage
	}
	return models.ModeTextToImage
}
