// Package logx configures tasksched's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Service.Apply swaps sinks and level at runtime (config hot reload)
package logx
