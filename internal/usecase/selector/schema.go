package selector

import "encoding/json"

// SchemaName names the structured output requested from the model.
const SchemaName = "template_selection"

// Styles is the style taxonomy offered to the model.
var Styles = []string{"Minimalist Design", "Brutalism", "Retro", "Illustrative", "Kid_Playful", "Custom"}

var (
	useCases     = []string{"SaaS Product Website", "Dashboard", "Blog", "Portfolio", "E-Commerce", "General", "Other"}
	complexities = []string{"simple", "moderate", "complex"}
)

// Schema is the JSON schema of a selection reply.
var Schema = mustSchema()

func mustSchema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selectedTemplateName": map[string]any{
				"type":        []string{"string", "null"},
				"description": "Exact name of the chosen template, or null when none fits",
			},
			"reasoning":      map[string]any{"type": "string"},
			"useCase":        map[string]any{"type": "string", "enum": useCases},
			"complexity":     map[string]any{"type": "string", "enum": complexities},
			"styleSelection": map[string]any{"type": "string", "enum": Styles},
			"projectName": map[string]any{
				"type":        "string",
				"description": "Short kebab-case project name",
			},
		},
		"required":             []string{"selectedTemplateName", "reasoning", "useCase", "complexity", "styleSelection", "projectName"},
		"additionalProperties": false,
	}
	data, err := json.Marshal(schema)
	if err != nil {
		panic(err)
	}
	return data
}
