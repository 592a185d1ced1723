// Package logx configures relaybot's structured logging.
//
// It wraps zerolog in a value-type Logger and a reloadable Service with:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limiting)
//   - Secret redaction applied before any sink
package logx
