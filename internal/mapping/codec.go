package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a mapping file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Codec encodes and decodes mapping documents.
type Codec interface {
	Format() Format
	Encode(f *MappingFile) ([]byte, error)
	Decode(data []byte) (*MappingFile, error)
}

// CodecFor returns the codec for a format name. An empty name selects the
// codec matching the path's extension, defaulting to JSON.
func CodecFor(format, path string) (Codec, error) {
	switch strings.ToLower(format) {
	case "":
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			return yamlCodec{}, nil
		}
		return jsonCodec{}, nil
	case string(FormatJSON):
		return jsonCodec{}, nil
	case string(FormatYAML), "yml":
		return yamlCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported mapping format %q", format)
	}
}

type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }

func (jsonCodec) Encode(f *MappingFile) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (jsonCodec) Decode(data []byte) (*MappingFile, error) {
	var f MappingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

type yamlCodec struct{}

func (yamlCodec) Format() Format { return FormatYAML }

func (yamlCodec) Encode(f *MappingFile) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (yamlCodec) Decode(data []byte) (*MappingFile, error) {
	var f MappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
