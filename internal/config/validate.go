package config

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/conneroisu/eltag/internal/idgen"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
)

// Validate validates every section.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"tagging", &c.Tagging},
		{"detection", &c.Detection},
		{"mapping", &c.Mapping},
		{"cache", &c.Cache},
		{"pipeline", &c.Pipeline},
		{"server", &c.Server},
		{"log", &c.Log},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

var attributeName = validation.By(func(value interface{}) error {
	name, _ := value.(string)
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_' || r == ':' || r == '.'):
		default:
			return fmt.Errorf("invalid attribute name %q", name)
		}
	}
	return nil
})

// knownPlaceholder requires the format to produce something that varies
// per element.
var knownPlaceholder = validation.By(func(value interface{}) error {
	format, _ := value.(string)
	for _, p := range []string{"{hash}", "{index}", "{position}", "{element}"} {
		if strings.Contains(format, p) {
			return nil
		}
	}
	return fmt.Errorf("format %q has none of {hash}, {index}, {position} or {element}", format)
})

func (c *TaggingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AttributeName, validation.Required, validation.Length(1, 64), attributeName),
		validation.Field(&c.Format, validation.Required, knownPlaceholder),
		validation.Field(&c.HashLength, validation.Min(idgen.MinHashLength), validation.Max(idgen.MaxHashLength)),
		validation.Field(&c.Prefix, validation.By(safeAffix)),
		validation.Field(&c.Suffix, validation.By(safeAffix)),
	)
}

func safeAffix(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	return idgen.ValidateID(s)
}

func (c *DetectionConfig) Validate() error {
	if !c.DOM && !c.Components && !c.Fragments && !c.TextNodes {
		return fmt.Errorf("at least one element kind must be enabled")
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ExcludeTags, validation.Each(validation.Required)),
	)
}

func (c *MappingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Format, validation.In(string(mapping.FormatJSON), string(mapping.FormatYAML))),
		validation.Field(&c.MaxBackups, validation.Min(0)),
	)
}

func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxBytes, validation.Min(int64(0))),
		validation.Field(&c.MaxEntries, validation.Min(0)),
		validation.Field(&c.TTL, validation.Min(0)),
		validation.Field(&c.SweepInterval, validation.Min(0)),
	)
}

func (c *PipelineConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(1), validation.Max(256)),
		validation.Field(&c.Debounce, validation.Min(0)),
		validation.Field(&c.Include, validation.Each(validation.Required)),
	)
}

func (c *ServerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.By(func(value interface{}) error {
			_, err := logging.ParseLevel(value.(string))
			return err
		})),
		validation.Field(&c.Format, validation.In("text", "json")),
	)
}
