package loader

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

// ParseConfig decodes one config.*.yaml file. The id and provider come
// from the file name; a top-level "version" key, when present, is carried
// as a string.
func ParseConfig(path string, data []byte) (*schema.Configuration, error) {
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, yamlError(path, err)
	}
	if values == nil {
		values = map[string]any{}
	}

	cfg := &schema.Configuration{
		ID:       ConfigID(path),
		Provider: ConfigID(path),
		Values:   values,
	}
	switch v := values["version"].(type) {
	case string:
		cfg.Version = v
	case int:
		cfg.Version = fmt.Sprintf("%d", v)
	case nil:
	default:
		return nil, errs.InvalidSchema(path, 0, 0, "version must be a string or integer, got %T", v)
	}
	return cfg, nil
}
