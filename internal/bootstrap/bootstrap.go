// Package bootstrap re-execs the build driver in a controlled
// environment and interpreter, and cleans the process environment
// before a build runs.
//
// Grounded on original_source/sourcery/context.py's exec_self and
// clean_environment, and on cmd/distri's syscall.Exec usage for
// re-execing a process.
package bootstrap

import (
	"os"
	"syscall"
)

// envVarsKeep are environment variables that are safe to keep and may
// be required by subprocesses.
var envVarsKeep = map[string]bool{
	"HOME": true, "LOGNAME": true, "SSH_AUTH_SOCK": true, "TERM": true, "USER": true,
}

// envVarsReplaceRelcfg are kept initially, but replaced once extra
// variables from a release config are available.
var envVarsReplaceRelcfg = map[string]bool{
	"PATH": true, "LD_LIBRARY_PATH": true,
}

// envVarsReplace are set to fixed values regardless of the inherited
// environment.
var envVarsReplace = map[string]string{
	"LANG": "C", "LC_ALL": "C",
}

// State holds everything CleanEnvironment and ExecSelf need to decide
// whether a re-exec is required and how to perform it. The zero value
// is not useful; build one with NewState.
type State struct {
	// OrigScriptFull is the absolute path to the binary as originally
	// invoked.
	OrigScriptFull string
	// ScriptFull is the binary to use for re-executing the build
	// driver; it starts equal to OrigScriptFull but may be overridden
	// by a release config's script_full variable.
	ScriptFull string
	// Argv is the argument list (excluding argv[0]) to pass when
	// re-executing.
	Argv []string
	// NoUserSite records whether the running process already
	// disabled user site customization; false forces a re-exec. This
	// module has no interpreter-level user-site concept of its own,
	// so build drivers that don't care should leave it true.
	NoUserSite bool

	// Environ is the environment cleaned in place.
	Environ map[string]string

	// Exec re-execs the process; defaults to syscall.Exec, overridden
	// in tests.
	Exec func(argv0 string, argv []string, envv []string) error
}

// NewState builds a State from the running process: argv[0] as both
// OrigScriptFull and ScriptFull, argv[1:] as Argv, and the current
// environment as Environ.
func NewState(argv []string) *State {
	environ := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				environ[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	scriptFull := argv[0]
	return &State{
		OrigScriptFull: scriptFull,
		ScriptFull:     scriptFull,
		Argv:           append([]string{}, argv[1:]...),
		NoUserSite:     true,
		Environ:        environ,
		Exec:           syscall.Exec,
	}
}

// CleanEnvironment strips environment variables not known to be safe,
// fixes LANG/LC_ALL, and applies extraVars (environment variables set
// by a release config, e.g. its env_set variable). It returns whether
// ExecSelf must be called for the cleanup (or a changed ScriptFull) to
// take effect: a re-exec is needed if ScriptFull differs from
// OrigScriptFull, NoUserSite is false, or a removed PYTHON*-style
// interpreter-bootstrap variable was in scope. The PYTHON-prefix check
// is source heritage with no interpreter of its own here; it is kept
// only so extraVars callers porting sourcery behavior see identical
// need-reexec decisions for those variable names.
func CleanEnvironment(s *State, extraVars map[string]string) bool {
	needReexec := !s.NoUserSite || s.ScriptFull != s.OrigScriptFull

	removeVars := map[string]bool{}
	for key := range s.Environ {
		_, fixed := envVarsReplace[key]
		switch {
		case envVarsKeep[key]:
		case envVarsReplaceRelcfg[key]:
			if _, ok := extraVars[key]; ok {
				removeVars[key] = true
			}
		case !fixed:
			removeVars[key] = true
		}
	}
	for key := range removeVars {
		if len(key) >= 6 && key[:6] == "PYTHON" {
			needReexec = true
		}
		delete(s.Environ, key)
	}
	for key, value := range envVarsReplace {
		s.Environ[key] = value
	}
	for key, value := range extraVars {
		s.Environ[key] = value
	}
	return needReexec
}

// ExecSelf re-executes ScriptFull with Argv against Environ, replacing
// the current process image.
func ExecSelf(s *State) error {
	envv := make([]string, 0, len(s.Environ))
	for k, v := range s.Environ {
		envv = append(envv, k+"="+v)
	}
	argv := append([]string{s.ScriptFull}, s.Argv...)
	return s.Exec(s.ScriptFull, argv, envv)
}
