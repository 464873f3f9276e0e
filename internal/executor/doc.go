// Package executor runs one mutation attempt.
//
// An attempt is pinned to a Snapshot and a seed. The executor checks the
// function manifest, builds a MutationEnvironment over a fresh
// storage.Transaction, runs the function in the isolate and returns an
// Outcome: the result or function error, plus the read set and write set
// the OCC engine commits.
//
// Document operations reach the environment as syscalls:
//
//	1.0/insert          {table, value} -> {_id}
//	1.0/get             {id}           -> document | null
//	1.0/replace         {id, value}
//	1.0/patch           {id, value}
//	1.0/delete          {id}
//	1.0/queryFull       {table}        -> [document]
//	1.0/count           {table}        -> number
//	1.0/getUserIdentity {}             -> identity | null
//
// Inserting into a table that is not registered in _tables registers it,
// which reads the whole registry. Two attempts creating tables concurrently
// therefore conflict, while inserts into an existing table only read its
// registry row.
package executor
