// Package sbgo holds the types shared across the build-graph engine: the
// explicit build context threaded through task construction, and the
// distinct error kinds raised by the config, graph, tree, execution and RPC
// layers.
package sbgo

import (
	"fmt"
	"log"
)

// Ctx is the explicit context threaded through release-config loading, task
// construction and graph lowering. There are no package-level singletons;
// every subsystem that needs global state takes a *Ctx.
type Ctx struct {
	// Script is the name used in diagnostic messages, e.g. "sb build".
	Script string

	// Silent suppresses informational messages written by Inform.
	Silent bool

	// Verbose enables verbose messages written by Verbosef.
	Verbose bool
}

// NewCtx returns a Ctx with the given script name for diagnostics.
func NewCtx(script string) *Ctx {
	return &Ctx{Script: script}
}

// Errorf formats a plain diagnostic message; callers that need a
// specific error kind should use one of the New*Error constructors
// below instead.
func (c *Ctx) Errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: error: %s", c.Script, fmt.Sprintf(format, args...))
}

// Inform writes an informational message prefixed with Script, unless
// Silent is set.
func (c *Ctx) Inform(format string, args ...interface{}) {
	if c.Silent {
		return
	}
	log.Printf("%s: %s", c.Script, fmt.Sprintf(format, args...))
}

// Verbosef writes a diagnostic message prefixed with Script, but only
// when Verbose is set.
func (c *Ctx) Verbosef(format string, args ...interface{}) {
	if !c.Verbose {
		return
	}
	log.Printf("%s: %s", c.Script, fmt.Sprintf(format, args...))
}

// ConfigError reports bad types, bad values, missing required fields,
// inconsistent bootstrap declarations, duplicate variables or groups,
// mutation after finalization, unknown components, or a first host that
// does not equal the build.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// GraphError reports duplicate task names, empty task names below the
// root, a task carrying both commands and subtasks, a command on a
// parallel task, an install tree that is provided/declared/defined/
// contributed more than once, an operation attempted after finalization,
// an unknown dependency, or a circular dependency.
type GraphError struct {
	Msg string
	Err error
}

func (e *GraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("graph error: %s", e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Err }

// NewGraphError builds a GraphError.
func NewGraphError(format string, args ...interface{}) *GraphError {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// TreeError reports an invalid path, a path escaping the tree root, an
// absolute symlink, a symlink cycle, a non-directory operand in a union,
// inconsistent contents in a union (even with duplicates allowed), or an
// extract/remove operation applied to a non-directory.
type TreeError struct {
	Msg string
	Err error
}

func (e *TreeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tree error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("tree error: %s", e.Msg)
}

func (e *TreeError) Unwrap() error { return e.Err }

// NewTreeError builds a TreeError.
func NewTreeError(format string, args ...interface{}) *TreeError {
	return &TreeError{Msg: fmt.Sprintf(format, args...)}
}

// WithErr attaches an underlying cause and returns e, for chaining at the
// call site: `return nil, sbgo.NewTreeError("...").WithErr(err)`.
func (e *TreeError) WithErr(err error) *TreeError {
	e.Err = err
	return e
}

// WithErr attaches an underlying cause and returns e.
func (e *ConfigError) WithErr(err error) *ConfigError {
	e.Err = err
	return e
}

// WithErr attaches an underlying cause and returns e.
func (e *GraphError) WithErr(err error) *GraphError {
	e.Err = err
	return e
}

// WithErr attaches an underlying cause and returns e.
func (e *ExecError) WithErr(err error) *ExecError {
	e.Err = err
	return e
}

// WithErr attaches an underlying cause and returns e.
func (e *RPCError) WithErr(err error) *RPCError {
	e.Err = err
	return e
}

// ExecError reports a non-zero exit from the external job runner, surfaced
// once the RPC server has shut down and the per-task log has already been
// printed to stderr by the task-failure callback.
type ExecError struct {
	Msg string
	Err error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build failed: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("build failed: %s", e.Msg)
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecError builds an ExecError.
func NewExecError(format string, args ...interface{}) *ExecError {
	return &ExecError{Msg: fmt.Sprintf(format, args...)}
}

// RPCError reports a non-zero reply status from a registered RPC call,
// i.e. an exception raised inside a registered callback.
type RPCError struct {
	Msg string
	Err error
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("rpc error: %s", e.Msg)
}

func (e *RPCError) Unwrap() error { return e.Err }

// NewRPCError builds an RPCError.
func NewRPCError(format string, args ...interface{}) *RPCError {
	return &RPCError{Msg: fmt.Sprintf(format, args...)}
}
