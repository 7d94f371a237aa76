package manifest

// Mode selects the isolation flavour of a sandbox
type Mode string

const (
	ModeDocument Mode = "document"
	ModeWorker   Mode = "worker"
)

// Valid reports whether m is a known isolation mode
func (m Mode) Valid() bool {
	return m == ModeDocument || m == ModeWorker
}

// Bundle references the plugin code and how it is isolated
type Bundle struct {
	Location  string `json:"location" yaml:"location" toml:"location" validate:"required" jsonschema:"description=Bundle path relative to the bundle directory or an http(s) URL"`
	Mode      Mode   `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty" validate:"omitempty,oneof=document worker" jsonschema:"enum=document,enum=worker"`
	Integrity string `json:"integrity,omitempty" yaml:"integrity,omitempty" toml:"integrity,omitempty" jsonschema:"description=Subresource integrity string such as sha256-<base64>"`
	Signature string `json:"signature,omitempty" yaml:"signature,omitempty" toml:"signature,omitempty" jsonschema:"description=Base64 encoded bundle signature"`
}

// NodeDefinition is a node type contributed by a plugin
type NodeDefinition struct {
	Type        string   `json:"type" yaml:"type" toml:"type" validate:"required,max=128"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty" validate:"max=256"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty" yaml:"inputs,omitempty" toml:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty" yaml:"outputs,omitempty" toml:"outputs,omitempty"`
}

// ViewDefinition is a view contributed by a plugin
type ViewDefinition struct {
	ID        string   `json:"id" yaml:"id" toml:"id" validate:"required,max=128"`
	Title     string   `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty" validate:"max=256"`
	NodeTypes []string `json:"nodeTypes,omitempty" yaml:"nodeTypes,omitempty" toml:"nodeTypes,omitempty"`
}

// Raw is an untrusted manifest as decoded from disk or a request body
type Raw struct {
	ID          string           `json:"id" yaml:"id" toml:"id" validate:"required,pluginid" jsonschema:"pattern=^[a-z0-9]+([._-][a-z0-9]+)*$"`
	Name        string           `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty" validate:"max=128"`
	Version     string           `json:"version" yaml:"version" toml:"version" validate:"required,semver"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Author      string           `json:"author,omitempty" yaml:"author,omitempty" toml:"author,omitempty"`
	Permissions []string         `json:"permissions,omitempty" yaml:"permissions,omitempty" toml:"permissions,omitempty"`
	Bundle      *Bundle          `json:"bundle" yaml:"bundle" toml:"bundle" validate:"required"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes" toml:"nodes" validate:"dive"`
	Views       []ViewDefinition `json:"views,omitempty" yaml:"views,omitempty" toml:"views,omitempty" validate:"dive"`
}

// Manifest is a validated, normalized plugin descriptor. Values are treated
// as immutable once produced by Validator.Validate.
type Manifest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Author      string           `json:"author,omitempty"`
	Permissions PermissionSet    `json:"permissions"`
	Bundle      Bundle           `json:"bundle"`
	Nodes       []NodeDefinition `json:"nodes"`
	Views       []ViewDefinition `json:"views,omitempty"`
}

// HasBundle reports whether the manifest references any bundle
func (m Manifest) HasBundle() bool {
	return m.Bundle.Location != ""
}

// SameBundle reports whether two manifests load the same code the same way
func (m Manifest) SameBundle(o Manifest) bool {
	return m.Bundle == o.Bundle
}

// NodeTypes lists the contributed node type names
func (m Manifest) NodeTypes() []string {
	out := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		out[i] = n.Type
	}
	return out
}
