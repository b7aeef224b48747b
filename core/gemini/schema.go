package gemini

// unsupportedSchemaKeys Gemini responseSchema 不接受的 JSON Schema 字段
var unsupportedSchemaKeys = []string{
	"default",
	"minLength",
	"maxLength",
	"additionalProperties",
	"title",
	"examples",
	"$schema",
}

// SanitizeSchema 返回清洗后的 Schema 副本，不修改入参
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}

	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	for _, k := range unsupportedSchemaKeys {
		delete(out, k)
	}

	// ["string", "null"] -> "string"
	if types, ok := out["type"].([]interface{}); ok {
		for _, t := range types {
			if s, ok := t.(string); ok && s != "null" {
				out["type"] = s
				break
			}
		}
	}

	if props, ok := out["properties"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(props))
		for name, v := range props {
			if child, ok := v.(map[string]interface{}); ok {
				cleaned[name] = SanitizeSchema(child)
			} else {
				cleaned[name] = v
			}
		}
		out["properties"] = cleaned
	}

	if items, ok := out["items"].(map[string]interface{}); ok {
		out["items"] = SanitizeSchema(items)
	}

	if anyOf, ok := out["anyOf"].([]interface{}); ok {
		cleaned := make([]interface{}, len(anyOf))
		for i, v := range anyOf {
			if child, ok := v.(map[string]interface{}); ok {
				cleaned[i] = SanitizeSchema(child)
			} else {
				cleaned[i] = v
			}
		}
		out["anyOf"] = cleaned
	}

	return out
}
