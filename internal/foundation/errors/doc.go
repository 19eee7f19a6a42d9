// Package errors provides the classified error type used across applianced.
//
// A ClassifiedError carries a category (what failed), a severity (how bad)
// and a retry strategy (what the caller may do about it), plus free-form
// context. Errors are created with the fluent builder:
//
//	err := errors.WrapError(cause, errors.CategoryOperation, "spawn failed").
//		WithContext("pid_file", pidPath).
//		Build()
//
// The HTTP adapter maps categories to status codes and JSON bodies; the CLI
// adapter maps them to process exit codes. Observer error frames carry the
// category as their code (see Code).
package errors
