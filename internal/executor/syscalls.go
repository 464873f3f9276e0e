package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/udfcore/internal/isolate"
	"github.com/roach88/udfcore/internal/storage"
	"github.com/roach88/udfcore/internal/value"
)

// System fields every document carries. Function code may read them but
// never set them.
const (
	FieldID           = "_id"
	FieldCreationTime = "_creationTime"
)

// IDSeparator separates the table name from the random part of a document id.
const IDSeparator = "|"

type syscallFunc func(e *MutationEnvironment, ctx context.Context, args value.Object) (value.Value, error)

var syscalls = map[string]syscallFunc{
	isolate.SyscallInsert:          (*MutationEnvironment).insert,
	isolate.SyscallGet:             (*MutationEnvironment).get,
	isolate.SyscallReplace:         (*MutationEnvironment).replace,
	isolate.SyscallPatch:           (*MutationEnvironment).patch,
	isolate.SyscallDelete:          (*MutationEnvironment).delete,
	isolate.SyscallQueryFull:       (*MutationEnvironment).queryFull,
	isolate.SyscallCount:           (*MutationEnvironment).count,
	isolate.SyscallGetUserIdentity: (*MutationEnvironment).getUserIdentity,
}

// Syscall dispatches a JSON-in/JSON-out host call. Unknown names are
// contract violations; malformed arguments are function errors.
func (e *MutationEnvironment) Syscall(ctx context.Context, name string, args value.Value) (value.Value, error) {
	fn, ok := syscalls[name]
	if !ok {
		return nil, isolate.NewContractViolation("unknown syscall %s", name)
	}
	obj, ok := args.(value.Object)
	if !ok {
		return nil, isolate.NewFunctionError("%s: arguments must be an object, got %s", name, value.Kind(args))
	}
	return fn(e, ctx, obj)
}

func stringArg(name string, args value.Object, key string) (string, error) {
	s, ok := args[key].(value.String)
	if !ok || s == "" {
		return "", isolate.NewFunctionError("%s: %q must be a non-empty string", name, key)
	}
	return string(s), nil
}

func documentArg(name string, args value.Object) (value.Object, error) {
	doc, ok := args["value"].(value.Object)
	if !ok {
		return nil, isolate.NewFunctionError("%s: \"value\" must be an object", name)
	}
	for k := range doc {
		if strings.HasPrefix(k, "_") {
			return nil, isolate.NewFunctionError("%s: field %q is reserved for system fields", name, k)
		}
	}
	return doc, nil
}

func tableArg(name string, args value.Object) (string, error) {
	table, err := stringArg(name, args, "table")
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(table, "_") || strings.Contains(table, IDSeparator) {
		return "", isolate.NewFunctionError("%s: invalid table name %q", name, table)
	}
	return table, nil
}

// keyArg parses the "id" argument ("<table>|<random>") into a key.
func keyArg(name string, args value.Object) (storage.Key, error) {
	id, err := stringArg(name, args, "id")
	if err != nil {
		return storage.Key{}, err
	}
	table, _, ok := strings.Cut(id, IDSeparator)
	if !ok || table == "" || strings.HasPrefix(table, "_") {
		return storage.Key{}, isolate.NewFunctionError("%s: invalid document id %q", name, id)
	}
	return storage.Key{Table: table, ID: id}, nil
}

// ensureTable registers table in the registry if it is missing. An existing
// table costs one point read; creating one reads the whole registry to pick
// the next table number.
func (e *MutationEnvironment) ensureTable(ctx context.Context, table string) error {
	existing, err := e.tx.Get(ctx, storage.TableKey(table))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	tables, err := e.tx.Scan(ctx, storage.TableRange(storage.TablesTable))
	if err != nil {
		return err
	}
	e.tx.Put(storage.TableKey(table), value.Object{
		"name":   value.String(table),
		"number": value.Int(len(tables) + 1),
	})
	return nil
}

func (e *MutationEnvironment) newDocumentID(table string) (string, error) {
	u, err := uuid.NewRandomFromReader(e.src)
	if err != nil {
		return "", isolate.NewInternalError("generate document id: %v", err)
	}
	return table + IDSeparator + u.String(), nil
}

func (e *MutationEnvironment) insert(ctx context.Context, args value.Object) (value.Value, error) {
	const name = isolate.SyscallInsert
	table, err := tableArg(name, args)
	if err != nil {
		return nil, err
	}
	doc, err := documentArg(name, args)
	if err != nil {
		return nil, err
	}
	if err := e.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	id, err := e.newDocumentID(table)
	if err != nil {
		return nil, err
	}
	stored := doc.Clone()
	stored[FieldID] = value.String(id)
	stored[FieldCreationTime] = value.Int(e.clock.Now())
	e.tx.Put(storage.Key{Table: table, ID: id}, stored)
	return value.Object{FieldID: value.String(id)}, nil
}

func (e *MutationEnvironment) get(ctx context.Context, args value.Object) (value.Value, error) {
	key, err := keyArg(isolate.SyscallGet, args)
	if err != nil {
		return nil, err
	}
	doc, err := e.tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return value.Null{}, nil
	}
	return doc, nil
}

func (e *MutationEnvironment) existing(ctx context.Context, name string, key storage.Key) (value.Object, error) {
	doc, err := e.tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, isolate.NewFunctionError("%s: document %s does not exist", name, key.ID)
	}
	return doc, nil
}

func (e *MutationEnvironment) replace(ctx context.Context, args value.Object) (value.Value, error) {
	const name = isolate.SyscallReplace
	key, err := keyArg(name, args)
	if err != nil {
		return nil, err
	}
	doc, err := documentArg(name, args)
	if err != nil {
		return nil, err
	}
	old, err := e.existing(ctx, name, key)
	if err != nil {
		return nil, err
	}
	next := doc.Clone()
	next[FieldID] = old[FieldID]
	next[FieldCreationTime] = old[FieldCreationTime]
	e.tx.Put(key, next)
	return value.Null{}, nil
}

// patch merges fields into a document. A null field removes it.
func (e *MutationEnvironment) patch(ctx context.Context, args value.Object) (value.Value, error) {
	const name = isolate.SyscallPatch
	key, err := keyArg(name, args)
	if err != nil {
		return nil, err
	}
	fields, err := documentArg(name, args)
	if err != nil {
		return nil, err
	}
	next, err := e.existing(ctx, name, key)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if _, isNull := v.(value.Null); isNull || v == nil {
			delete(next, k)
			continue
		}
		next[k] = value.Clone(v)
	}
	e.tx.Put(key, next)
	return value.Null{}, nil
}

func (e *MutationEnvironment) delete(ctx context.Context, args value.Object) (value.Value, error) {
	const name = isolate.SyscallDelete
	key, err := keyArg(name, args)
	if err != nil {
		return nil, err
	}
	if _, err := e.existing(ctx, name, key); err != nil {
		return nil, err
	}
	e.tx.Delete(key)
	return value.Null{}, nil
}

func (e *MutationEnvironment) queryFull(ctx context.Context, args value.Object) (value.Value, error) {
	table, err := tableArg(isolate.SyscallQueryFull, args)
	if err != nil {
		return nil, err
	}
	docs, err := e.tx.Scan(ctx, storage.TableRange(table))
	if err != nil {
		return nil, err
	}
	out := make(value.Array, len(docs))
	for i, doc := range docs {
		out[i] = doc
	}
	return out, nil
}

func (e *MutationEnvironment) count(ctx context.Context, args value.Object) (value.Value, error) {
	table, err := tableArg(isolate.SyscallCount, args)
	if err != nil {
		return nil, err
	}
	n, err := e.tx.Count(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	return value.Int(n), nil
}

func (e *MutationEnvironment) getUserIdentity(ctx context.Context, args value.Object) (value.Value, error) {
	return e.identity.Value(), nil
}
