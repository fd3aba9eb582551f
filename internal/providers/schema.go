package providers

// CleanSchemaForProvider strips JSON-schema keys a given provider's tool API
// rejects. Tool parameter schemas often originate from generic Go struct
// tags (invopop/jsonschema) and carry keys no LLM tool API expects.
func CleanSchemaForProvider(provider string, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	drop := map[string]bool{"$schema": true, "$id": true, "title": true}
	switch provider {
	case "gemini", "vertex":
		drop["additionalProperties"] = true
		drop["exclusiveMinimum"] = true
		drop["exclusiveMaximum"] = true
	}
	return cleanSchemaValue(schema, drop).(map[string]interface{})
}

func cleanSchemaValue(v interface{}, drop map[string]bool) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			if drop[k] {
				continue
			}
			out[k] = cleanSchemaValue(sub, drop)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = cleanSchemaValue(sub, drop)
		}
		return out
	default:
		return v
	}
}
