package graph

// Role identifies which user-facing parameter a field mapping feeds.
type Role string

const (
	RolePrompt         Role = "prompt"
	RoleNegativePrompt Role = "negative_prompt"
	RoleWidth          Role = "width"
	RoleHeight         Role = "height"
	RoleSteps          Role = "steps"
	RoleCFG            Role = "cfg"
	RoleSeed           Role = "seed"
	RoleCheckpoint     Role = "checkpoint"
	RoleImageUpload    Role = "image_upload"
	RoleSampler        Role = "sampler"
	RoleScheduler      Role = "scheduler"
	RoleCustom         Role = "custom"
)

// Roles lists every known role.
var Roles = []Role{
	RolePrompt, RoleNegativePrompt, RoleWidth, RoleHeight, RoleSteps, RoleCFG,
	RoleSeed, RoleCheckpoint, RoleImageUpload, RoleSampler, RoleScheduler, RoleCustom,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Label returns the default display label of the role.
func (r Role) Label() string {
	switch r {
	case RoleCFG:
		return "CFG Scale"
	case RoleImageUpload:
		return "Input Image"
	}
	return titleize(string(r))
}
