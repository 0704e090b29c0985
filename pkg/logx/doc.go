// Package logx configures postpipe's structured logging.
//
// Components receive a logx.Logger, a small value-type wrapper on top of
// zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for stdout log shippers and the optional log file
//   - Hot-reloadable level and sinks through Service.Apply
package logx
