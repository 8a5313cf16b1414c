// Package logx is a thin structured-logging layer over zerolog.
//
// Components hold a Logger value (safe zero value, nop when unset) and attach
// fixed fields with With(). The Service owns the sink configuration (console,
// file) and supports hot reconfiguration via Apply(); Loggers created from a
// Service stay live across Apply() calls.
package logx
