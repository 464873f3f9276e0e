// Package testmodules embeds the function modules used by tests and by
// `udfcore test` when no modules directory is given.
package testmodules

import "embed"

// FS holds basic.lua and its functions.cue manifest.
//
//go:embed basic.lua functions.cue
var FS embed.FS
