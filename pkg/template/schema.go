package template

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/heliogrid/heliogrid/pkg/types"
)

// DefaultTemplateType is assumed for worker documents without a device.template entry
const DefaultTemplateType = "goodwe"

// Document is the loosely-typed worker configuration document
type Document map[string]map[string]interface{}

// schemas holds the required config shape per template type
var schemas = map[string]types.ConfigSchema{
	"goodwe": {
		Sections: []types.SchemaSection{
			{Name: "sems", Fields: []string{"username", "password", "region"}, AllowBlank: []string{"password"}},
			{Name: "influxdb", Fields: []string{"url", "token", "org", "bucket"}, AllowBlank: []string{"token"}},
			{Name: "settings", Fields: []string{"interval", "timezone"}},
		},
	},
}

// SchemaFor returns the config schema of a template type
func SchemaFor(templateType string) (types.ConfigSchema, bool) {
	s, ok := schemas[templateType]
	return s, ok
}

// Types returns the known template types in sorted order
func Types() []string {
	out := make([]string, 0, len(schemas))
	for name := range schemas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidationError is a single offending config field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds every field that failed validation
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Fields returns the offending field names
func (v *ValidationErrors) Fields() []string {
	out := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		out[i] = e.Field
	}
	return out
}

func (v *ValidationErrors) add(field, message string) {
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

// ValidateConfig checks a config document against the static schema of its template type.
// A nil return means the document is valid; otherwise the error is of kind config and
// wraps a *ValidationErrors naming every missing or empty field.
func ValidateConfig(templateType string, doc Document) error {
	schema, ok := SchemaFor(templateType)
	if !ok {
		return types.ConfigError(fmt.Sprintf("unknown template type: %s", templateType), nil)
	}

	verrs := &ValidationErrors{}
	for _, section := range schema.Sections {
		values, ok := doc[section.Name]
		if !ok || values == nil {
			verrs.add(section.Name, "section is missing")
			continue
		}

		for _, field := range section.Fields {
			name := section.Name + "." + field
			value, ok := values[field]
			if !ok {
				verrs.add(name, "field is missing")
				continue
			}
			if isEmpty(value) && !contains(section.AllowBlank, field) {
				verrs.add(name, "field is empty")
			}
		}
	}

	if len(verrs.Errors) > 0 {
		return types.ConfigError("invalid worker configuration", verrs)
	}
	return nil
}

// ToDocument converts any JSON-serializable config into a Document
func ToDocument(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.MalformedError("config document must be an object of sections", err)
	}
	return doc, nil
}

// isEmpty mirrors falsy values: nil, "", 0, false and empty collections
func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	case json.Number:
		return val.String() == "0"
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedFiles(tpl *types.WorkerTemplate) []string {
	files := make([]string, 0, len(tpl.Files))
	for _, f := range tpl.Files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
