// Package value defines the JSON-like values that cross every boundary of the
// mutation core: function arguments, function results, syscall payloads and
// stored documents.
//
// Value is a sealed interface. Only Null, String, Int, Float, Bool, Array and
// Object implement it. Integral numbers are always Int; Float holds the rest.
// Floats encode in the RFC 8785 number form, so canonical hashes of the same
// value agree across re-execution of an attempt.
//
// All other internal packages may import value; value imports nothing
// internal.
package value
