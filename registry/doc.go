// Package registry tracks the active patches of a process.
//
// Every patched method has an Entry holding its patch set and the identity
// of the replacement currently installed. The reverse mapping answers
// "which method does this frame belong to" for stack inspection. It keeps
// superseded replacements, since frames of an older replacement can still
// be live after a re-patch; Remove forgets all of them.
//
// Default returns a process-wide table created on first use. It is backed
// by a Holder, which a host can hand to independently loaded copies of
// the engine with UseHolder so they all see one table.
package registry
