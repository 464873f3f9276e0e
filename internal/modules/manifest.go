package modules

import (
	"errors"
	"fmt"
	"io/fs"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/udfcore/internal/udf"
)

// ManifestFile is the manifest file name at the root of a modules tree.
const ManifestFile = "functions.cue"

// Visibility of a function to callers.
type Visibility string

const (
	Public   Visibility = "public"
	Internal Visibility = "internal"
)

// FunctionKind is the kind of a function. Only mutations run through the
// mutation executor.
type FunctionKind string

const (
	KindMutation FunctionKind = "mutation"
	KindQuery    FunctionKind = "query"
	KindAction   FunctionKind = "action"
)

// FunctionSpec is the manifest entry for one function.
type FunctionSpec struct {
	Visibility Visibility   `json:"visibility"`
	Kind       FunctionKind `json:"kind"`
}

// DefaultFunctionSpec applies to functions the manifest does not mention.
var DefaultFunctionSpec = FunctionSpec{Visibility: Public, Kind: KindMutation}

// Allowed reports whether a caller restricted to vis may invoke the function.
func (f FunctionSpec) Allowed(vis udf.AllowedVisibility) bool {
	return vis == udf.AllVisibility || f.Visibility == Public
}

const manifestSchema = `
#Function: {
	visibility: *"public" | "internal"
	kind:       *"mutation" | "query" | "action"
}

functions: [string]: #Function
`

// Manifest maps function paths ("module:export") to their specs.
type Manifest struct {
	functions map[string]FunctionSpec
}

// EmptyManifest returns a manifest with no entries.
func EmptyManifest() *Manifest {
	return &Manifest{functions: map[string]FunctionSpec{}}
}

// Lookup returns the spec for p, or DefaultFunctionSpec.
func (m *Manifest) Lookup(p udf.FunctionPath) FunctionSpec {
	if m == nil {
		return DefaultFunctionSpec
	}
	if spec, ok := m.functions[p.String()]; ok {
		return spec
	}
	return DefaultFunctionSpec
}

// Len returns the number of declared functions.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.functions)
}

// LoadManifest reads ManifestFile from fsys. A missing file yields an empty
// manifest.
func LoadManifest(fsys fs.FS) (*Manifest, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if errors.Is(err, fs.ErrNotExist) {
		return EmptyManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, ManifestFile)
}

// ParseManifest compiles CUE manifest source, unifies it with the manifest
// schema and decodes the functions.
//
//	functions: {
//		"basic:insertObject": {}
//		"basic:secret": visibility: "internal"
//	}
func ParseManifest(data []byte, filename string) (*Manifest, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(manifestSchema, cue.Filename("manifest_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %s", filename, cueerrors.Details(err, nil))
	}

	unified := schema.Unify(v)
	if err := unified.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %s", filename, cueerrors.Details(err, nil))
	}

	m := EmptyManifest()
	fnsVal := unified.LookupPath(cue.ParsePath("functions"))
	if !fnsVal.Exists() {
		return m, nil
	}
	iter, err := fnsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate functions in %s: %w", filename, err)
	}
	for iter.Next() {
		name := iter.Label()
		fn, err := udf.ParsePath(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		var spec FunctionSpec
		if err := iter.Value().Decode(&spec); err != nil {
			return nil, fmt.Errorf("%s: function %s: %w", filename, name, err)
		}
		m.functions[fn.String()] = spec
	}
	return m, nil
}
