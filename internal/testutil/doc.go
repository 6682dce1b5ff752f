// Package testutil contains helpers shared by package tests: a recording
// event sink, a recording logger, and a fluent builder for prompt commands.
// They are not intended for production usage.
package testutil
