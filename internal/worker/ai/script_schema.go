package ai

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// scriptActionSchemaJSON closes the action-name set a structured script
// is allowed to use: author-speak-before, file-explorer-create-file,
// file-explorer-open-file, editor-type, editor-enter, editor-space,
// editor-save, each carrying a name/value string pair.
const scriptActionSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"name": {
				"type": "string",
				"enum": [
					"author-speak-before",
					"file-explorer-create-file",
					"file-explorer-open-file",
					"editor-type",
					"editor-enter",
					"editor-space",
					"editor-save"
				]
			},
			"value": { "type": "string" }
		},
		"required": ["name", "value"],
		"additionalProperties": false
	}
}`

var (
	scriptSchemaOnce sync.Once
	scriptSchema     *jsonschema.Schema
	scriptSchemaErr  error
)

func compiledScriptSchema() (*jsonschema.Schema, error) {
	scriptSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(scriptActionSchemaJSON))
		if err != nil {
			scriptSchemaErr = fmt.Errorf("script schema: decode: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("script_structured.json", doc); err != nil {
			scriptSchemaErr = fmt.Errorf("script schema: add resource: %w", err)
			return
		}
		scriptSchema, scriptSchemaErr = c.Compile("script_structured.json")
	})
	return scriptSchema, scriptSchemaErr
}

// validateScriptStructured checks body against the closed action-name
// schema. A generation that produces an unrecognized action name or a
// malformed body is treated the same as any other fan-out failure: the
// caller drops it rather than publishing a CONTENT_GENERATED event.
func validateScriptStructured(body string) error {
	schema, err := compiledScriptSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("script_structured.body is not valid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("script_structured.body failed schema validation: %w", err)
	}
	return nil
}
