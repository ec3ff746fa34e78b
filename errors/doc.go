// Package errors provides structured error types for the ilpatch module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the intercepted method, the offending hook, a location path
// and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseSynthesis, errors.KindBadSignature).
//		Method("Game.Player::Update").
//		Hook("Mod.Patches::Prefix").
//		Detail("prefix must return bool or void, got %s", "int32").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UnknownOpcode(12, 0xa6)
//	err := errors.UnresolvedParameter(method, hook, "__foo")
//
// Phase sentinels (ErrDecode, ErrSynthesis, ...) match any error of that phase:
//
//	if errors.Is(err, errors.ErrSynthesis) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
