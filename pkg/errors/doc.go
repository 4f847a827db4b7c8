// Package errors provides structured error handling for the matrix-e2e
// client: stable error codes, severities, and call-site traces.
//
// # Overview
//
// The errors package:
//   - Assigns structured error codes (OLM-010, MEG-020, DEV-001, etc.)
//   - Captures the call site and stack where an error was raised
//   - Rate-limits repeated logging of the same error code via SamplingRegistry
//
// # Quick Start
//
// Basic usage:
//
//	err := errors.NewBuilder("MEG-020").
//	    WithFunction("DecryptRoomEvent").
//	    WithInput("session_id", sessionID).
//	    WithInput("message_index", index).
//	    Build()
//
// # Error Codes
//
// Error codes follow the format CATEGORY-NUMBER:
//   - OLM-001 to OLM-099: Olm 1:1 session errors
//   - MEG-001 to MEG-099: Megolm group session errors
//   - DEV-001 to DEV-099: device registry / trust errors
//   - KEY-001 to KEY-099: key distribution errors
//   - SYN-001 to SYN-099: sync loop errors
//   - TRN-001 to TRN-099: transport errors
//   - CFG-001 to CFG-099: config / store errors
//
// # Severity Levels
//
//   - Warning: expected, recoverable condition (missing session, pending key)
//   - Error: operation failed but the client continues
//   - Critical: an invariant was violated (TOFU mismatch, replay attack)
//
// # Log Suppression
//
// SamplingRegistry prevents a recurring error (a replay-attack detection
// against the same session, a wedged olm session on every retry) from
// flooding the log with identical lines:
//
//	if errors.GlobalShouldLog(tracedErr) {
//	    logger.ErrorEvent(ctx, tracedErr.Message, tracedErr)
//	}
//
// # Thread Safety
//
// All components are safe for concurrent use.
package errors
