package manifest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultAllowlist accepts JavaScript bundles below the bundle directory
var DefaultAllowlist = []string{"**/*.js", "**/*.mjs", "**/*.js.gz", "**/*.js.zst"}

var (
	pluginIDPattern  = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
	integrityPattern = regexp.MustCompile(`^(sha256|sha384|sha512)-([A-Za-z0-9+/]+={0,2})$`)

	digestSizes = map[string]int{"sha256": 32, "sha384": 48, "sha512": 64}
)

// Result is the outcome of validating a raw manifest. Errors is non-empty
// exactly when Valid is false.
type Result struct {
	Valid    bool      `json:"valid"`
	Manifest *Manifest `json:"manifest,omitempty"`
	Errors   []string  `json:"errors,omitempty"`
}

// Validator checks raw manifests and derives their permission sets.
// It holds no mutable state and is safe for concurrent use.
type Validator struct {
	allowlist []string
	known     map[string]struct{}
	validate  *validator.Validate
	policy    *bluemonday.Policy
}

// Option configures a Validator
type Option func(*Validator)

// WithAllowlist replaces the bundle location allowlist. Patterns containing
// "://" apply to remote locations, all others to local paths.
func WithAllowlist(patterns ...string) Option {
	return func(v *Validator) {
		v.allowlist = slices.Clone(patterns)
	}
}

// WithKnownPermissions replaces the set of accepted capability strings
func WithKnownPermissions(perms ...string) Option {
	return func(v *Validator) {
		v.known = make(map[string]struct{}, len(perms))
		for _, p := range perms {
			v.known[NormalizePermission(p)] = struct{}{}
		}
	}
}

// NewValidator creates a validator with the default allowlist and
// permission vocabulary
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		allowlist: slices.Clone(DefaultAllowlist),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		policy:    bluemonday.StrictPolicy(),
	}
	WithKnownPermissions(KnownPermissions...)(v)
	for _, opt := range opts {
		opt(v)
	}

	v.validate.RegisterTagNameFunc(jsonName)
	_ = v.validate.RegisterValidation("pluginid", func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return len(id) <= 64 && pluginIDPattern.MatchString(id)
	})
	return v
}

// Validate checks raw and, when it is acceptable, returns the normalized
// manifest. Every problem found is reported; validation never stops at the
// first failure.
func (v *Validator) Validate(raw Raw) Result {
	var problems []string

	if err := v.validate.Struct(raw); err != nil {
		problems = append(problems, describe(err)...)
	}

	if raw.Bundle != nil {
		problems = append(problems, v.checkBundle(*raw.Bundle)...)
	}

	if len(raw.Nodes) == 0 {
		problems = append(problems, "nodes: at least one node type must be contributed")
	}
	problems = append(problems, checkContributions(raw.Nodes, raw.Views)...)

	for _, p := range raw.Permissions {
		norm := NormalizePermission(p)
		if norm == "" {
			problems = append(problems, "permissions: empty permission")
			continue
		}
		if _, ok := v.known[norm]; !ok {
			problems = append(problems, fmt.Sprintf("permissions: unknown permission %q", p))
		}
	}

	if len(problems) > 0 {
		return Result{Valid: false, Errors: problems}
	}

	m := v.normalize(raw)
	return Result{Valid: true, Manifest: &m}
}

// Allowed reports whether a bundle location passes the allowlist
func (v *Validator) Allowed(location string) bool {
	remote := strings.Contains(location, "://")
	target := location
	if !remote {
		target = path.Clean(strings.TrimPrefix(location, "./"))
	}
	for _, pattern := range v.allowlist {
		if strings.Contains(pattern, "://") != remote {
			continue
		}
		if ok, err := doublestar.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}

func (v *Validator) checkBundle(b Bundle) []string {
	var problems []string

	if b.Location != "" {
		if reason := resolvable(b.Location); reason != "" {
			problems = append(problems, "bundle.location: "+reason)
		} else if !v.Allowed(b.Location) {
			problems = append(problems, fmt.Sprintf("bundle.location: %q is not allowlisted", b.Location))
		}
	}

	if b.Integrity != "" {
		if reason := checkIntegrity(b.Integrity); reason != "" {
			problems = append(problems, "bundle.integrity: "+reason)
		}
	}
	if b.Signature != "" {
		if _, err := base64.StdEncoding.DecodeString(b.Signature); err != nil {
			problems = append(problems, "bundle.signature: not valid base64")
		}
	}
	return problems
}

// resolvable returns a reason when a location can never be loaded
func resolvable(location string) string {
	if strings.TrimSpace(location) != location {
		return "surrounding whitespace"
	}
	if strings.Contains(location, "://") {
		u, err := url.Parse(location)
		if err != nil {
			return "malformed URL"
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Sprintf("unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return "URL has no host"
		}
		return ""
	}
	if strings.Contains(location, ":") {
		return "unsupported location"
	}
	if path.IsAbs(location) {
		return "absolute paths are not allowed"
	}
	clean := path.Clean(location)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "path escapes the bundle directory"
	}
	return ""
}

func checkIntegrity(integrity string) string {
	m := integrityPattern.FindStringSubmatch(integrity)
	if m == nil {
		return "expected <sha256|sha384|sha512>-<base64 digest>"
	}
	digest, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return "digest is not valid base64"
	}
	if len(digest) != digestSizes[m[1]] {
		return fmt.Sprintf("%s digest must be %d bytes, got %d", m[1], digestSizes[m[1]], len(digest))
	}
	return ""
}

func checkContributions(nodes []NodeDefinition, views []ViewDefinition) []string {
	var problems []string
	types := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Type == "" {
			continue
		}
		if _, dup := types[n.Type]; dup {
			problems = append(problems, fmt.Sprintf("nodes: duplicate node type %q", n.Type))
		}
		types[n.Type] = struct{}{}
	}

	ids := make(map[string]struct{}, len(views))
	for _, view := range views {
		if _, dup := ids[view.ID]; dup && view.ID != "" {
			problems = append(problems, fmt.Sprintf("views: duplicate view %q", view.ID))
		}
		ids[view.ID] = struct{}{}
		for _, t := range view.NodeTypes {
			if _, ok := types[t]; !ok {
				problems = append(problems, fmt.Sprintf("views.%s: references unknown node type %q", view.ID, t))
			}
		}
	}
	return problems
}

func (v *Validator) normalize(raw Raw) Manifest {
	bundle := *raw.Bundle
	if bundle.Mode == "" {
		bundle.Mode = ModeWorker
	}

	nodes := make([]NodeDefinition, len(raw.Nodes))
	for i, n := range raw.Nodes {
		nodes[i] = NodeDefinition{
			Type:        n.Type,
			Title:       v.policy.Sanitize(n.Title),
			Description: v.policy.Sanitize(n.Description),
			Inputs:      slices.Clone(n.Inputs),
			Outputs:     slices.Clone(n.Outputs),
		}
	}

	var views []ViewDefinition
	for _, view := range raw.Views {
		views = append(views, ViewDefinition{
			ID:        view.ID,
			Title:     v.policy.Sanitize(view.Title),
			NodeTypes: slices.Clone(view.NodeTypes),
		})
	}

	return Manifest{
		ID:          raw.ID,
		Name:        v.policy.Sanitize(raw.Name),
		Version:     raw.Version,
		Description: v.policy.Sanitize(raw.Description),
		Author:      v.policy.Sanitize(raw.Author),
		Permissions: NewPermissionSet(raw.Permissions...),
		Bundle:      bundle,
		Nodes:       nodes,
		Views:       views,
	}
}

// describe renders validator errors as readable reasons
func describe(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		switch fe.Tag() {
		case "required":
			out = append(out, field+": is required")
		case "semver":
			out = append(out, fmt.Sprintf("%s: %q is not a semantic version", field, fe.Value()))
		case "pluginid":
			out = append(out, fmt.Sprintf("%s: %q must be lowercase alphanumerics separated by '.', '-' or '_' (max 64)", field, fe.Value()))
		case "oneof":
			out = append(out, fmt.Sprintf("%s: %q must be one of [%s]", field, fe.Value(), fe.Param()))
		case "max":
			out = append(out, fmt.Sprintf("%s: exceeds %s characters", field, fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return out
}

// jsonName reports fields by their json name so reasons match the
// document the author wrote
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// fieldPath turns "Raw.bundle.location" into "bundle.location"
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
