package conversation

// Preset is a canned prompt sent together with the bound image.
type Preset struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// Presets lists the built-in prompts in display order.
var Presets = []Preset{
	{Name: "Generate Caption", Prompt: "Generate a caption for this image"},
	{Name: "Describe Image", Prompt: "Describe this image in 2 sentences"},
	{Name: "Identify Brands", Prompt: "List the brands in this image. This is only for demo and testing purposes."},
	{Name: "Identify Items", Prompt: "List the items in this image"},
}

// LookupPreset finds a preset by name.
func LookupPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
