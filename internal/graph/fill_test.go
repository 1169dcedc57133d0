package graph

import (
	"encoding/json"
	"reflect"
	"testing"

	"genstudio/internal/models"
)

const templateJSON = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 42, "steps": 20, "cfg": 7, "sampler_name": "euler", "scheduler": "normal", "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "base.safetensors"}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
  "6": {"class_type": "CLIPTextEncode", "inputs": {"text": "a cat", "clip": ["4", 1]}},
  "7": {"class_type": "CLIPTextEncode", "inputs": {"text": "blurry, bad hands", "clip": ["4", 1]}},
  "9": {"class_type": "SaveImage", "inputs": {"images": ["8", 0], "filename_prefix": "out"}},
  "8": {"class_type": "VAEDecode", "inputs": {"samples": ["3", 0], "vae": ["4", 2]}},
  "10": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}}
}`

func loadTemplate(t *testing.T) JobGraph {
	t.Helper()
	g, err := ParseAPIFormat([]byte(templateJSON))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return g
}

func testMappings() []FieldMapping {
	return []FieldMapping{
		{NodeID: "6", FieldName: "text", Role: RolePrompt},
		{NodeID: "7", FieldName: "text", Role: RoleNegativePrompt},
		{NodeID: "5", FieldName: "width", Role: RoleWidth},
		{NodeID: "5", FieldName: "height", Role: RoleHeight},
		{NodeID: "3", FieldName: "steps", Role: RoleSteps},
		{NodeID: "3", FieldName: "cfg", Role: RoleCFG},
		{NodeID: "3", FieldName: "seed", Role: RoleSeed},
		{NodeID: "3", FieldName: "sampler_name", Role: RoleSampler},
		{NodeID: "4", FieldName: "ckpt_name", Role: RoleCheckpoint},
		{NodeID: "10", FieldName: "image", Role: RoleImageUpload},
		{NodeID: "99", FieldName: "text", Role: RolePrompt},
	}
}

func TestFillLeavesTemplateUntouched(t *testing.T) {
	tmpl := loadTemplate(t)
	pristine := loadTemplate(t)

	a := Fill(tmpl, testMappings(), FillInput{
		Params: models.JobParams{Width: 768, Height: 640, Steps: 30, CFGScale: 5.5, Seed: 7},
		Prompt: "a dog",
	})
	if !reflect.DeepEqual(tmpl, pristine) {
		t.Fatalf("template mutated after first fill")
	}
	b := Fill(tmpl, testMappings(), FillInput{
		Params: models.JobParams{Width: 1024, Height: 1024, Steps: 8, CFGScale: 1, Seed: 9},
		Prompt: "a bird",
	})
	if !reflect.DeepEqual(tmpl, pristine) {
		t.Fatalf("template mutated after second fill")
	}

	if a["6"].Inputs["text"] != "a dog" || b["6"].Inputs["text"] != "a bird" {
		t.Fatalf("prompts leaked between fills: %v / %v", a["6"].Inputs["text"], b["6"].Inputs["text"])
	}
	if a["5"].Inputs["width"] != 768 || b["5"].Inputs["width"] != 1024 {
		t.Fatalf("widths leaked between fills")
	}
	a["3"].Inputs["model"].([]any)[0] = "mutated"
	if link, _ := AsLink(b["3"].Inputs["model"]); link.NodeID != "4" {
		t.Fatalf("fills share link slices")
	}
}

func TestFillSubstitutesByRole(t *testing.T) {
	tmpl := loadTemplate(t)
	out := Fill(tmpl, testMappings(), FillInput{
		Params: models.JobParams{
			Width: 768, Height: 640, Steps: 30, CFGScale: 5.5, Seed: 123,
			Extra: map[string]any{"ckpt_name": "sdxl.safetensors"},
		},
		Prompt:         "a dog",
		EnhancedPrompt: "a majestic dog at dusk",
		InputFilename:  "upload_1.png",
	})

	checks := []struct {
		node, field string
		want        any
	}{
		{"6", "text", "a majestic dog at dusk"},
		{"7", "text", ""},
		{"5", "width", 768},
		{"5", "height", 640},
		{"3", "steps", 30},
		{"3", "cfg", 5.5},
		{"3", "seed", int64(123)},
		{"4", "ckpt_name", "sdxl.safetensors"},
		{"10", "image", "upload_1.png"},
		{"3", "sampler_name", "euler"},
	}
	for _, c := range checks {
		if got := out[c.node].Inputs[c.field]; got != c.want {
			t.Fatalf("node %s %s = %#v, want %#v", c.node, c.field, got, c.want)
		}
	}
}

func TestFillKeepsTemplateDefaultsWhenUnset(t *testing.T) {
	tmpl := loadTemplate(t)
	out := Fill(tmpl, testMappings(), FillInput{
		Params: models.JobParams{Width: 512, Height: 512, Steps: 20, CFGScale: 7, Seed: 1},
		Prompt: "a cat",
	})
	if got := out["4"].Inputs["ckpt_name"]; got != "base.safetensors" {
		t.Fatalf("checkpoint = %v, want template default", got)
	}
	if got := out["10"].Inputs["image"]; got != "placeholder.png" {
		t.Fatalf("image = %v, want template default", got)
	}
}

func TestFillNeverRewritesLinks(t *testing.T) {
	tmpl := loadTemplate(t)
	out := Fill(tmpl, []FieldMapping{{NodeID: "3", FieldName: "model", Role: RoleCustom}}, FillInput{
		Params: models.JobParams{Extra: map[string]any{"model": "oops"}},
	})
	if _, ok := AsLink(out["3"].Inputs["model"]); !ok {
		t.Fatalf("link input overwritten: %v", out["3"].Inputs["model"])
	}
}

func TestFillRandomSeed(t *testing.T) {
	tmpl := loadTemplate(t)
	mappings := []FieldMapping{{NodeID: "3", FieldName: "seed", Role: RoleSeed}}
	in := FillInput{Params: models.JobParams{Seed: models.RandomSeed}}

	seen := make(map[int64]struct{})
	for i := 0; i < 8; i++ {
		seed, ok := Fill(tmpl, mappings, in)["3"].Inputs["seed"].(int64)
		if !ok {
			t.Fatalf("seed is not an int64")
		}
		if seed < 0 || seed >= 1<<32 {
			t.Fatalf("seed %d outside the unsigned 32-bit range", seed)
		}
		seen[seed] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("random seeds repeated across fills: %v", seen)
	}
}

func TestFillDrawsOneSeedPerSubmission(t *testing.T) {
	tmpl := loadTemplate(t)
	tmpl["11"] = &Node{ClassType: "KSampler", Inputs: map[string]any{"seed": 0}}
	calls := 0
	f := Filler{Seed: func() uint32 { calls++; return 4242 }}
	out := f.Fill(tmpl, []FieldMapping{
		{NodeID: "3", FieldName: "seed", Role: RoleSeed},
		{NodeID: "11", FieldName: "seed", Role: RoleSeed},
	}, FillInput{Params: models.JobParams{Seed: models.RandomSeed}})

	if calls != 1 {
		t.Fatalf("seed drawn %d times, want 1", calls)
	}
	if out["3"].Inputs["seed"] != int64(4242) || out["11"].Inputs["seed"] != int64(4242) {
		t.Fatalf("seeds differ: %v %v", out["3"].Inputs["seed"], out["11"].Inputs["seed"])
	}
}

func TestFilledGraphSerializes(t *testing.T) {
	out := Fill(loadTemplate(t), testMappings(), FillInput{
		Params: models.JobParams{Width: 512, Height: 512, Steps: 20, CFGScale: 7, Seed: 3},
		Prompt: "x",
	})
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["9"]["class_type"] != "SaveImage" {
		t.Fatalf("class_type lost in serialization: %v", back["9"])
	}
}
