// Package logx configures drippost's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Secrets (tokens, webhook URLs, proxy credentials) are masked before they
// reach a log field; see the discord package masking helpers.
package logx
