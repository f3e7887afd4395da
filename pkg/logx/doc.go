// Package logx is roomcast's structured logging: a small Logger value on top
// of zerolog whose sinks and level can be swapped on config reload.
//
// Console output is human readable with a short caller; the optional file
// sink is JSON.
package logx
