// Package logx is the daemon's structured logger: a thin layer over zerolog
// whose sinks can be swapped while the process runs.
//
// Console output is human-readable with a short caller; the optional file sink
// is JSON lines. Chat content goes through Preview so full message bodies
// never reach the logs.
package logx
