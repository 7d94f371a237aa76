package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Format is a manifest serialization format
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat maps a format name or MIME-ish hint to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", "application/json":
		return FormatJSON, nil
	case "yaml", "yml", "application/yaml", "application/x-yaml", "text/yaml":
		return FormatYAML, nil
	case "toml", "application/toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported manifest format %q", s)
}

// FormatFromPath infers the format from a file extension
func FormatFromPath(p string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(p), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot infer manifest format of %q", p)
	}
	return ParseFormat(ext)
}

// Decode parses data in the given format into a raw manifest. Decoding only
// checks syntax; call Validator.Validate on the result.
func Decode(data []byte, format Format) (Raw, error) {
	var raw Raw
	var err error

	switch format {
	case FormatJSON:
		err = sonic.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	case FormatTOML:
		err = toml.Unmarshal(data, &raw)
	default:
		return Raw{}, fmt.Errorf("unsupported manifest format %q", format)
	}
	if err != nil {
		return Raw{}, fmt.Errorf("decode %s manifest: %w", format, err)
	}
	return raw, nil
}

// DecodeFile reads and decodes a manifest file, inferring its format
func DecodeFile(p string) (Raw, error) {
	format, err := FormatFromPath(p)
	if err != nil {
		return Raw{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Raw{}, fmt.Errorf("read manifest: %w", err)
	}
	return Decode(data, format)
}
