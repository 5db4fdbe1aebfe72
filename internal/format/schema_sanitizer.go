package format

import (
	"fmt"
	"strings"
)

// SanitizeSchema reduces a JSON Schema to the subset the upstream accepts.
// Allowlist approach: only known-safe keywords survive. "const" becomes a
// single-element "enum"; empty schemas get a placeholder property because
// the upstream rejects parameterless declarations.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderObjectSchema()
	}

	allowed := map[string]bool{
		"type":        true,
		"description": true,
		"properties":  true,
		"required":    true,
		"items":       true,
		"enum":        true,
		"title":       true,
	}

	sanitized := make(map[string]interface{})

	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []interface{}{value}
			continue
		}
		if !allowed[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				newProps := make(map[string]interface{}, len(props))
				for propKey, propValue := range props {
					if propMap, ok := propValue.(map[string]interface{}); ok {
						newProps[propKey] = SanitizeSchema(propMap)
					} else {
						newProps[propKey] = propValue
					}
				}
				sanitized["properties"] = newProps
			}
		case "items":
			sanitized["items"] = sanitizeItems(value)
		default:
			if valueMap, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeSchema(valueMap)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	if schemaType, _ := sanitized["type"].(string); strings.EqualFold(schemaType, "object") {
		props, hasProps := sanitized["properties"].(map[string]interface{})
		if !hasProps || len(props) == 0 {
			placeholder := placeholderObjectSchema()
			sanitized["properties"] = placeholder["properties"]
			sanitized["required"] = placeholder["required"]
		}
	}

	return sanitized
}

func placeholderObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

func sanitizeItems(value interface{}) interface{} {
	switch items := value.(type) {
	case map[string]interface{}:
		return SanitizeSchema(items)
	case []interface{}:
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				out = append(out, SanitizeSchema(itemMap))
			} else {
				out = append(out, item)
			}
		}
		return out
	}
	return value
}

// CleanSchema rewrites sanitized schema features the upstream cannot express
// into description hints, flattens unions, and converts type names to the
// upstream's uppercase spelling. Running it twice yields the same result.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = moveConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	unsupported := []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minimum", "maximum", "minItems", "maxItems",
		"examples", "allOf", "anyOf", "oneOf",
	}
	for _, key := range unsupported {
		delete(result, key)
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = CleanSchema(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = CleanSchema(items)
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, CleanSchema(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	// required may only reference properties that exist
	if required, ok := result["required"].([]interface{}); ok {
		if props, ok := result["properties"].(map[string]interface{}); ok {
			newRequired := make([]interface{}, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok {
					if _, defined := props[propStr]; defined {
						newRequired = append(newRequired, propStr)
					}
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}

	return result
}

// appendDescriptionHint appends a parenthesized hint to the description,
// skipping hints that are already present so repeated cleaning is stable.
func appendDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	result := copyMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		if strings.Contains(desc, hint) {
			return result
		}
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// scoreSchemaOption ranks union alternatives: object > array > primitive.
func scoreSchemaOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// convertRefsToHints replaces $ref nodes with an object carrying a
// "See: <definition>" description.
func convertRefsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		replacement := map[string]interface{}{
			"type":        "object",
			"description": result["description"],
		}
		if replacement["description"] == nil || replacement["description"] == "" {
			replacement["description"] = ""
		}
		return appendDescriptionHint(replacement, fmt.Sprintf("See: %s", defName))
	}

	result = recurseProperties(result, convertRefsToHints)
	result = recurseItems(result, convertRefsToHints)

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			newArr := make([]interface{}, 0, len(arr))
			for _, item := range arr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					newArr = append(newArr, convertRefsToHints(itemMap))
				} else {
					newArr = append(newArr, item)
				}
			}
			result[key] = newArr
		}
	}

	return result
}

// mergeAllOf folds an allOf array into one object by union of properties and
// required.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if allOfArr, ok := result["allOf"].([]interface{}); ok && len(allOfArr) > 0 {
		mergedProperties := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, subSchema := range allOfArr {
			subMap, ok := subSchema.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := subMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProperties[key] = value
				}
			}
			if required, ok := subMap["required"].([]interface{}); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}
			for key, value := range subMap {
				if key != "properties" && key != "required" {
					if _, exists := otherFields[key]; !exists {
						otherFields[key] = value
					}
				}
			}
		}

		delete(result, "allOf")

		// Parent fields win over merged branch fields
		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProperties) > 0 {
			existingProps, _ := result["properties"].(map[string]interface{})
			if existingProps == nil {
				existingProps = make(map[string]interface{})
			}
			for key, value := range mergedProperties {
				if _, exists := existingProps[key]; !exists {
					existingProps[key] = value
				}
			}
			result["properties"] = existingProps
		}

		if len(mergedRequired) > 0 {
			if req, ok := result["required"].([]interface{}); ok {
				for _, r := range req {
					if rStr, ok := r.(string); ok {
						mergedRequired[rStr] = true
					}
				}
			}
			newRequired := make([]interface{}, 0, len(mergedRequired))
			for key := range mergedRequired {
				newRequired = append(newRequired, key)
			}
			result["required"] = newRequired
		}
	}

	result = recurseProperties(result, mergeAllOf)
	result = recurseItems(result, mergeAllOf)
	return result
}

// flattenAnyOfOneOf collapses a union to its highest-ranked alternative and
// records the alternatives in a description hint.
func flattenAnyOfOneOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var bestOption map[string]interface{}
		bestScore := -1

		for _, option := range options {
			optMap, ok := option.(map[string]interface{})
			if !ok {
				continue
			}

			typeName := ""
			if t, ok := optMap["type"].(string); ok {
				typeName = t
			} else if optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}

			if score := scoreSchemaOption(optMap); score > bestScore {
				bestScore = score
				bestOption = optMap
			}
		}

		delete(result, unionKey)

		if bestOption == nil {
			continue
		}

		parentDescription, _ := result["description"].(string)
		flattened := flattenAnyOfOneOf(bestOption)

		for key, value := range flattened {
			if key == "description" {
				if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
					if parentDescription != "" {
						result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
					} else {
						result["description"] = valueStr
					}
				}
				continue
			}
			if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
				result[key] = value
			}
		}

		if len(typeNames) > 1 {
			result = appendDescriptionHint(result,
				fmt.Sprintf("Accepts: %s", strings.Join(uniqueStrings(typeNames), " | ")))
		}
	}

	result = recurseProperties(result, flattenAnyOfOneOf)
	result = recurseItems(result, flattenAnyOfOneOf)
	return result
}

// addEnumHints records small enums in the description so the information
// survives models that ignore enum.
func addEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(vals, ", ")))
	}

	result = recurseProperties(result, addEnumHints)
	result = recurseItems(result, addEnumHints)
	return result
}

func addAdditionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)
	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}

	result = recurseProperties(result, addAdditionalPropertiesHints)
	result = recurseItems(result, addAdditionalPropertiesHints)
	return result
}

// moveConstraintsToDescription preserves validation keywords the upstream
// strips by restating them as hints.
func moveConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}
	result := copyMap(schema)

	for _, constraint := range constraints {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	result = recurseProperties(result, moveConstraintsToDescription)
	result = recurseItems(result, moveConstraintsToDescription)
	return result
}

// flattenTypeArrays picks the first non-null type from a type array, notes
// nullability, and removes nullable properties from required.
func flattenTypeArrays(schema map[string]interface{}, nullableProps map[string]bool, propName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNullTypes []string
		for _, t := range typeArr {
			if tStr, ok := t.(string); ok {
				if tStr == "null" {
					hasNull = true
				} else if tStr != "" {
					nonNullTypes = append(nonNullTypes, tStr)
				}
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = appendDescriptionHint(result,
				fmt.Sprintf("Accepts: %s", strings.Join(nonNullTypes, " | ")))
		}
		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && propName != "" {
				nullableProps[propName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullable := make(map[string]bool)
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullable, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullable) > 0 {
			newRequired := make([]interface{}, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok && !childNullable[propStr] {
					newRequired = append(newRequired, propStr)
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = flattenTypeArrays(items, nullableProps, "")
	} else if itemsArr, ok := result["items"].([]interface{}); ok {
		newItems := make([]interface{}, 0, len(itemsArr))
		for _, item := range itemsArr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// toGoogleType converts JSON Schema type names to the upstream's uppercase
// protobuf-style names.
func toGoogleType(typeName string) string {
	if typeName == "" {
		return typeName
	}
	typeMap := map[string]string{
		"string":  "STRING",
		"number":  "NUMBER",
		"integer": "INTEGER",
		"boolean": "BOOLEAN",
		"array":   "ARRAY",
		"object":  "OBJECT",
		"null":    "STRING",
	}
	if upper, ok := typeMap[strings.ToLower(typeName)]; ok {
		return upper
	}
	return strings.ToUpper(typeName)
}

func recurseProperties(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return schema
	}
	newProps := make(map[string]interface{}, len(props))
	for key, value := range props {
		if valueMap, ok := value.(map[string]interface{}); ok {
			newProps[key] = fn(valueMap)
		} else {
			newProps[key] = value
		}
	}
	schema["properties"] = newProps
	return schema
}

func recurseItems(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	switch items := schema["items"].(type) {
	case map[string]interface{}:
		schema["items"] = fn(items)
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, fn(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		schema["items"] = newItems
	}
	return schema
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func uniqueStrings(arr []string) []string {
	seen := make(map[string]bool, len(arr))
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
