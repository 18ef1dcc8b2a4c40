// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so components can hold a Logger value without caring where the
// output goes; sinks (console, file) are owned by a Service that can be
// reconfigured at runtime without invalidating already-handed-out loggers.
package logx
