// Package job holds the persisted job model: Payload, State, Job and the
// versioned Store, plus the store CRUD rules (unique ids, idempotent removal).
//
// The JSON layout is camelCase and uses a "kind" field to select Schedule and
// Payload variants. Unknown kinds are carried through untouched.
package job
