// Package manifest validates plugin descriptors and derives their
// permission sets.
//
// Components:
//   - Raw: untrusted manifest as decoded from JSON, YAML or TOML
//   - Validator: pure validation returning every reason for rejection
//   - Manifest: normalized result with an immutable PermissionSet
//   - Schema: JSON Schema for tooling and the admin API
//
// Example Usage:
//
//	raw, err := manifest.DecodeFile("plugins/counter/plugin.yaml")
//	res := manifest.NewValidator().Validate(raw)
//	if !res.Valid {
//	    return fmt.Errorf("invalid manifest: %s", strings.Join(res.Errors, "; "))
//	}
package manifest
