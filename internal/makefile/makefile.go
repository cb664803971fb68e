// Package makefile generates the phony-target makefile that drives a
// build: one target per task-start/task-end/install-tree boundary,
// lowered from the dependency graph assembled by internal/buildtask.
//
// Grounded on sourcery/makefile.py.
package makefile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/tsort"
)

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=+-]+$`)

func shellQuote(s string) string {
	if s != "" && shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// CommandToMake shell-quotes command for inclusion in a makefile recipe
// line, doubling every '$' so make does not try to expand it.
func CommandToMake(command []string) (string, error) {
	parts := make([]string, len(command))
	for i, s := range command {
		parts[i] = strings.ReplaceAll(shellQuote(s), "$", "$$")
	}
	ret := strings.Join(parts, " ")
	if strings.Contains(ret, "\n") {
		return "", sbgo.NewGraphError("newline in command for makefile: %s", ret)
	}
	return ret, nil
}

// Makefile holds the phony targets, dependencies and recipe lines of a
// generated makefile.
type Makefile struct {
	firstTarget string
	targets     map[string]bool
	deps        map[string][]string
	commands    map[string][]string
}

// New returns a Makefile whose first (default) target is firstTarget.
func New(firstTarget string) *Makefile {
	m := &Makefile{
		targets:  map[string]bool{},
		deps:     map[string][]string{},
		commands: map[string][]string{},
	}
	m.AddTarget(firstTarget)
	m.firstTarget = firstTarget
	return m
}

// AddTarget adds target to the makefile. Each target must be added
// exactly once.
func (m *Makefile) AddTarget(target string) error {
	if m.targets[target] {
		return sbgo.NewGraphError("target %s already added", target)
	}
	m.targets[target] = true
	m.deps[target] = nil
	m.commands[target] = nil
	return nil
}

// AddDeps adds dependencies to target; duplicates across calls are
// fine. Both target and every entry in deps must already have been
// added via AddTarget.
func (m *Makefile) AddDeps(target string, deps []string) error {
	if !m.targets[target] {
		return sbgo.NewGraphError("target %s not known", target)
	}
	for _, dep := range deps {
		if !m.targets[dep] {
			return sbgo.NewGraphError("dependency %s not known", dep)
		}
	}
	m.deps[target] = append(m.deps[target], deps...)
	return nil
}

// AddCommand appends a recipe line (already makefile-escaped) to
// target.
func (m *Makefile) AddCommand(target, command string) error {
	if !m.targets[target] {
		return sbgo.NewGraphError("target %s not known", target)
	}
	if strings.Contains(command, "\n") {
		return sbgo.NewGraphError("newline in command for makefile: %s", command)
	}
	m.commands[target] = append(m.commands[target], command)
	return nil
}

// Text renders the makefile, first verifying the dependency graph has
// no circular dependency (via internal/tsort), then emitting one
// `target: deps` stanza with `@`-prefixed recipe lines per target, in
// sorted order except that firstTarget (the default goal) comes
// first, followed by a trailing `.PHONY` line listing every target.
func (m *Makefile) Text(ctx *sbgo.Ctx) (string, error) {
	depsForSort := make(map[string][]string, len(m.deps))
	for target, deps := range m.deps {
		depsForSort[target] = append([]string{}, deps...)
	}
	if _, err := tsort.Sort(ctx, depsForSort); err != nil {
		return "", err
	}

	targets := make([]string, 0, len(m.targets))
	for target := range m.targets {
		if target != m.firstTarget {
			targets = append(targets, target)
		}
	}
	sort.Strings(targets)
	targets = append([]string{m.firstTarget}, targets...)

	var out strings.Builder
	for _, target := range targets {
		depList := append([]string{}, m.deps[target]...)
		sort.Strings(depList)
		depText := strings.Join(depList, " ")
		if depText != "" {
			depText = " " + depText
		}
		fmt.Fprintf(&out, "%s:%s\n", target, depText)
		for _, cmd := range m.commands[target] {
			fmt.Fprintf(&out, "\t@%s\n", cmd)
		}
		out.WriteString("\n")
	}
	fmt.Fprintf(&out, ".PHONY: %s\n", strings.Join(targets, " "))
	return out.String(), nil
}
