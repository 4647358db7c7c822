// Package deployerr defines the sentinel errors used to classify failures at
// component boundaries. Recoverable errors are absorbed where they occur and
// surface only as a warning log line or an error envelope to the affected
// client; these sentinels let callers branch on the class with errors.Is
// without inspecting message strings.
package deployerr

import "errors"

var (
	// ErrTransientIO marks a file or subprocess failure that will be retried
	// on the next tick or fails only the single operation.
	ErrTransientIO = errors.New("transient io error")

	// ErrParse marks a malformed log line, TODO entry, or JSON shard record.
	// The offending record is skipped.
	ErrParse = errors.New("parse error")

	// ErrExternalTimeout marks a subprocess, LLM, or platform-notification
	// call that exceeded its deadline. The caller falls through to the next
	// strategy.
	ErrExternalTimeout = errors.New("external call timed out")

	// ErrContractViolation marks an unknown command or missing required
	// field from a client. It is reported to that caller only.
	ErrContractViolation = errors.New("contract violation")
)
