// Package logx configures the reminder daemon's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels shared with the notifier's debug-channel threshold
package logx
