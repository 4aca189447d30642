// Package logx is genqueue's structured logger, a thin layer over zerolog.
//
// Console output is short and human-readable; file and headless stdout
// output is JSON. Level and sinks can be swapped at runtime with
// Service.Apply, and every line carries the instance id when one is set.
package logx
