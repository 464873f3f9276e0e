// Package udf holds the request and result types shared by the mutation
// pipeline: function paths, caller identity, visibility policy, caller kind,
// request context, and the result returned to callers.
package udf

import (
	"fmt"
	"strings"
)

// DefaultExport is the export name used when a path omits one.
const DefaultExport = "default"

// ModuleExtension is appended to a module name to form its source path.
const ModuleExtension = ".lua"

// FunctionPath identifies an exported function inside a module.
//
// The string form is "<module>:<export>", e.g. "basic:insertObject".
// Module names may contain "/" for nested directories.
type FunctionPath struct {
	Module string `json:"module"`
	Export string `json:"export"`
}

// ParsePath parses "<module>[:<export>]".
func ParsePath(s string) (FunctionPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return FunctionPath{}, fmt.Errorf("function path is empty")
	}

	module, export, found := strings.Cut(s, ":")
	if !found {
		export = DefaultExport
	}
	module = strings.TrimSuffix(module, ModuleExtension)

	if module == "" {
		return FunctionPath{}, fmt.Errorf("function path %q: module is empty", s)
	}
	if export == "" {
		return FunctionPath{}, fmt.Errorf("function path %q: export is empty", s)
	}
	if strings.Contains(export, ":") {
		return FunctionPath{}, fmt.Errorf("function path %q: export must not contain ':'", s)
	}
	if strings.HasPrefix(module, "/") || strings.Contains(module, "..") {
		return FunctionPath{}, fmt.Errorf("function path %q: module must be a relative path", s)
	}
	return FunctionPath{Module: module, Export: export}, nil
}

// MustParsePath is like ParsePath but panics on error. Intended for tests
// and static paths.
func MustParsePath(s string) FunctionPath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ModulePath returns the source path the module loader resolves.
func (p FunctionPath) ModulePath() string {
	return p.Module + ModuleExtension
}

// String returns the canonical "<module>:<export>" form.
func (p FunctionPath) String() string {
	return p.Module + ":" + p.Export
}
