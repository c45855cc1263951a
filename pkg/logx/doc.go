// Package logx is the structured logging layer of smmbot: a value-type
// Logger over zerolog, and a Service that owns the live outputs.
//
// Console output is human readable. File output is JSON, one file per day.
// Records at or above a configured level can be forwarded to the admin chat,
// rate limited and never blocking the caller.
package logx
