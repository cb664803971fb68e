// Package buildtask implements the hierarchical build-task graph: the
// tree of commands and sub-tasks that together build a release
// configuration, lowered to a generated makefile whose recipes call
// back into the coordinator's RPC server.
//
// Grounded on sourcery/buildtask.py.
package buildtask

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/fstree"
	"github.com/sourcerytools/sbgo/internal/makefile"
	"github.com/sourcerytools/sbgo/internal/relcfg"
	"github.com/sourcerytools/sbgo/internal/tsort"
)

const (
	taskStartPrefix = "task-start"
	taskEndPrefix   = "task-end"
)

func startNameOf(fullName string) string { return taskStartPrefix + fullName }
func endNameOf(fullName string) string   { return taskEndPrefix + fullName }

// BuildContext is the subset of internal/buildctx's BuildContext that
// a Task needs to lower itself to makefile commands: wrapper-command
// factories, the RPC call registry, and the three lifecycle
// callbacks. Declared here (rather than imported from internal/
// buildctx) because buildctx's own BuildContext is built on Task,
// which would otherwise create an import cycle.
type BuildContext interface {
	WrapperRunCommand(log, failMessage, cwd string) []string
	WrapperStartTask(log string, msgStart int) []string
	WrapperEndTask(log string, msgEnd int) []string
	RPCClientCommand(msg int) []string
	AddCall(fn func(args []interface{}) error, args []interface{}, log string, forking bool) int
	LogDir() string
	TaskStart(desc string) error
	TaskFailCommand(desc, command, log string) error
	TaskEnd(desc string) error
}

// step is a single command, make invocation, or Python-style callback
// run as part of a task, lowered to one makefile recipe line.
type step interface {
	commandMain(log string, bc BuildContext) ([]string, error)
	prefix() string
	String() string
}

type commandStep struct {
	command []string
	cwd     string
}

func newCommandStep(ctx *sbgo.Ctx, command []string, cwd string) (*commandStep, error) {
	for _, arg := range command {
		if strings.Contains(arg, "\n") {
			return nil, sbgo.NewGraphError("newline in command: %s", strings.Join(command, " "))
		}
	}
	return &commandStep{command: append([]string{}, command...), cwd: cwd}, nil
}

func (c *commandStep) commandMain(string, BuildContext) ([]string, error) { return c.command, nil }
func (c *commandStep) prefix() string                                    { return "" }
func (c *commandStep) String() string                                    { return strings.Join(c.command, " ") }

type makeStep struct{ commandStep }

func (m *makeStep) prefix() string { return "$(MAKE) " }
func (m *makeStep) String() string { return "$(MAKE) " + m.commandStep.String() }

type pythonStep struct {
	fn   func(args []interface{}) error
	args []interface{}
}

func (p *pythonStep) commandMain(log string, bc BuildContext) ([]string, error) {
	msg := bc.AddCall(p.fn, p.args, log, true)
	return bc.RPCClientCommand(msg), nil
}
func (p *pythonStep) prefix() string { return "" }
func (p *pythonStep) String() string { return fmt.Sprintf("python: %d arg(s)", len(p.args)) }

func makeString(ctx *sbgo.Ctx, s step, bc BuildContext, log, cwd string, failMessage int, env map[string]string) (string, error) {
	cmd, err := s.commandMain(log, bc)
	if err != nil {
		return "", err
	}
	cmdText, err := makefile.CommandToMake(cmd)
	if err != nil {
		return "", err
	}
	cmdStr := s.prefix() + cmdText
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		envCmd := []string{"env"}
		for _, k := range keys {
			envCmd = append(envCmd, fmt.Sprintf("%s=%s", k, env[k]))
		}
		envText, err := makefile.CommandToMake(envCmd)
		if err != nil {
			return "", err
		}
		cmdStr = envText + " " + cmdStr
	}
	wrapper := bc.WrapperRunCommand(log, fmt.Sprintf("%d", failMessage), cwd)
	wrapperText, err := makefile.CommandToMake(wrapper)
	if err != nil {
		return "", err
	}
	return wrapperText + " " + cmdStr, nil
}

// hostKey returns the InstallKey.Host value for host, which may be nil
// to denote a host-independent install tree.
func hostKey(host *buildcfg.PkgHost) string {
	if host == nil {
		return ""
	}
	return host.Name
}

func hostName(host *buildcfg.PkgHost) string {
	if host == nil {
		return "(none)"
	}
	return host.Name
}

// hostArg converts host to the interface{} value relcfg's path helpers
// expect, producing a true nil interface (rather than a non-nil
// interface wrapping a nil *buildcfg.PkgHost) when host is nil.
func hostArg(host *buildcfg.PkgHost) interface{} {
	if host == nil {
		return nil
	}
	return host
}

// installRef pairs an install-tree key with the host it was declared
// against, since fstree.InstallKey only carries the host's name.
type installRef struct {
	host *buildcfg.PkgHost
	name string
}

func (r installRef) key() fstree.InstallKey {
	return fstree.InstallKey{Host: hostKey(r.host), Name: r.name}
}

// shared holds the state that belongs to a whole task tree (the
// top-level task and every descendant), mirroring the attributes the
// source implementation aliases from parent to child rather than
// copying.
type shared struct {
	byName          map[string]*Task
	implicitDeclare map[fstree.InstallKey]bool
	implicitContrib map[fstree.InstallKey]fstree.Recipe
	implicitDefine  map[fstree.InstallKey]fstree.Recipe
	installProvided map[fstree.InstallKey]bool
	hosts           map[string]*buildcfg.PkgHost
}

// Task represents a step or steps in building a toolchain: a
// container for other tasks run in series or parallel, or a sequence
// of commands/Python steps. Tasks have hierarchical path-style names
// beginning with "/".
type Task struct {
	relcfg *relcfg.ReleaseConfig
	ctx    *sbgo.Ctx

	parent   *Task
	name     string
	fullName string
	shared   *shared
	parallel bool

	subtasks []*Task
	steps    []step
	env      map[string]string
	envPre   map[string][]string
	fullEnv  map[string]string

	depends        map[string]bool
	dependsInstall map[fstree.InstallKey]bool
	providesInstall map[fstree.InstallKey]bool

	number    int
	finalized bool
	numTasks  int

	topDeps     map[string][]string
	topDepsList []string
}

// New constructs a Task named name, relative to parent (empty iff
// parent is nil, the top-level task). If parallel, the task is a
// container for other tasks to run concurrently; otherwise it may
// contain either commands or subtasks, but not both.
func New(rc *relcfg.ReleaseConfig, parent *Task, name string, parallel bool) (*Task, error) {
	ctx := rc.Context()
	if strings.Contains(name, "/") {
		return nil, sbgo.NewGraphError("invalid build task name: %s", name)
	}
	t := &Task{
		relcfg:          rc,
		ctx:             ctx,
		parent:          parent,
		name:            name,
		parallel:        parallel,
		env:             map[string]string{},
		envPre:          map[string][]string{},
		depends:         map[string]bool{},
		dependsInstall:  map[fstree.InstallKey]bool{},
		providesInstall: map[fstree.InstallKey]bool{},
		number:          -1,
		numTasks:        -1,
	}
	if parent == nil {
		t.fullName = name
		t.shared = &shared{
			byName:          map[string]*Task{},
			implicitDeclare: map[fstree.InstallKey]bool{},
			implicitContrib: map[fstree.InstallKey]fstree.Recipe{},
			implicitDefine:  map[fstree.InstallKey]fstree.Recipe{},
			installProvided: map[fstree.InstallKey]bool{},
			hosts:           map[string]*buildcfg.PkgHost{},
		}
		if name != "" {
			return nil, sbgo.NewGraphError("top-level task has nonempty name: %s", name)
		}
	} else {
		if parent.finalized {
			return nil, sbgo.NewGraphError("__init__ called after finalization")
		}
		t.fullName = parent.fullName + "/" + name
		t.shared = parent.shared
		if name == "" {
			return nil, sbgo.NewGraphError("empty build task name not at top level: %s", t.fullName)
		}
	}
	if t.shared.byName[t.fullName] != nil {
		return nil, sbgo.NewGraphError("duplicate task name: %s", t.fullName)
	}
	t.shared.byName[t.fullName] = t
	if parent != nil {
		if err := parent.addSubtask(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Task) requireFinalized(fn string) error {
	if !t.finalized {
		return sbgo.NewGraphError("%s called before finalization", fn)
	}
	return nil
}

func (t *Task) requireNotFinalized(fn string) error {
	if t.finalized {
		return sbgo.NewGraphError("%s called after finalization", fn)
	}
	return nil
}

func (t *Task) addSubtask(sub *Task) error {
	if err := t.requireNotFinalized("add subtask"); err != nil {
		return err
	}
	if len(t.steps) > 0 {
		return sbgo.NewGraphError("task %s has both commands or Python steps and subtasks", t.fullName)
	}
	var dep string
	if len(t.subtasks) > 0 && !t.parallel {
		dep = t.subtasks[len(t.subtasks)-1].fullName
	}
	t.subtasks = append(t.subtasks, sub)
	if dep != "" {
		sub.Depend(dep)
	}
	return nil
}

// FullName returns this task's full hierarchical name.
func (t *Task) FullName() string { return t.fullName }

// AddCommand adds a plain command to this task.
func (t *Task) AddCommand(command []string, cwd string) error {
	if err := t.requireNotFinalized("AddCommand"); err != nil {
		return err
	}
	if len(t.subtasks) > 0 {
		return sbgo.NewGraphError("task %s has both commands and subtasks", t.fullName)
	}
	if t.parallel {
		return sbgo.NewGraphError("parallel task %s has commands", t.fullName)
	}
	s, err := newCommandStep(t.ctx, command, cwd)
	if err != nil {
		return err
	}
	t.steps = append(t.steps, s)
	return nil
}

// AddMake adds a `make` invocation to this task; $(MAKE) is prepended
// so parallelism is inherited from the outer make.
func (t *Task) AddMake(command []string, cwd string) error {
	if err := t.requireNotFinalized("AddMake"); err != nil {
		return err
	}
	if len(t.subtasks) > 0 {
		return sbgo.NewGraphError("task %s has both commands and subtasks", t.fullName)
	}
	if t.parallel {
		return sbgo.NewGraphError("parallel task %s has commands", t.fullName)
	}
	cs, err := newCommandStep(t.ctx, command, cwd)
	if err != nil {
		return err
	}
	t.steps = append(t.steps, &makeStep{commandStep: *cs})
	return nil
}

// AddPython adds a step that invokes fn(args) in the coordinator
// process via the RPC channel.
func (t *Task) AddPython(fn func(args []interface{}) error, args []interface{}) error {
	if err := t.requireNotFinalized("AddPython"); err != nil {
		return err
	}
	if len(t.subtasks) > 0 {
		return sbgo.NewGraphError("task %s has both Python steps and subtasks", t.fullName)
	}
	if t.parallel {
		return sbgo.NewGraphError("parallel task %s has Python steps", t.fullName)
	}
	t.steps = append(t.steps, &pythonStep{fn: fn, args: append([]interface{}{}, args...)})
	return nil
}

// AddCreateDir adds a command to create directory, tolerating its
// prior existence.
func (t *Task) AddCreateDir(directory string) error {
	if err := t.requireNotFinalized("AddCreateDir"); err != nil {
		return err
	}
	return t.AddCommand([]string{"mkdir", "-p", directory}, "")
}

// AddEmptyDir adds commands to remove and recreate directory.
func (t *Task) AddEmptyDir(directory string) error {
	if err := t.requireNotFinalized("AddEmptyDir"); err != nil {
		return err
	}
	if err := t.AddCommand([]string{"rm", "-rf", directory}, ""); err != nil {
		return err
	}
	return t.AddCreateDir(directory)
}

// AddEmptyDirParent adds commands to remove directory and create its
// parent.
func (t *Task) AddEmptyDirParent(directory string) error {
	if err := t.requireNotFinalized("AddEmptyDirParent"); err != nil {
		return err
	}
	if err := t.AddCommand([]string{"rm", "-rf", directory}, ""); err != nil {
		return err
	}
	return t.AddCreateDir(path.Dir(directory))
}

// EnvSet sets an environment variable for this task, overriding any
// setting or prepending in a parent task. A variable may not both be
// set and prepended to in the same task.
func (t *Task) EnvSet(varName, value string) error {
	if err := t.requireNotFinalized("EnvSet"); err != nil {
		return err
	}
	if strings.ContainsAny(varName, "=\n") || strings.Contains(value, "\n") {
		return sbgo.NewGraphError("bad character in environment variable setting %s=%s", varName, value)
	}
	if _, ok := t.envPre[varName]; ok {
		return sbgo.NewGraphError("variable %s both set and prepended to", varName)
	}
	t.env[varName] = value
	return nil
}

// EnvPrepend prepends to a colon-separated environment variable for
// this task (e.g. PATH); value must not itself contain ':'.
func (t *Task) EnvPrepend(varName, value string) error {
	if err := t.requireNotFinalized("EnvPrepend"); err != nil {
		return err
	}
	if strings.ContainsAny(varName, "=\n") || strings.ContainsAny(value, "\n:") {
		return sbgo.NewGraphError("bad character in environment variable setting %s prepending %s", varName, value)
	}
	if _, ok := t.env[varName]; ok {
		return sbgo.NewGraphError("variable %s both set and prepended to", varName)
	}
	t.envPre[varName] = append(t.envPre[varName], value)
	return nil
}

// GetFullEnv returns the full set of environment overrides for this
// task, merging parent settings with this task's own; it requires
// finalization, since it caches its result.
func (t *Task) GetFullEnv() (map[string]string, error) {
	if err := t.requireFinalized("GetFullEnv"); err != nil {
		return nil, err
	}
	if t.fullEnv != nil {
		return t.fullEnv, nil
	}
	fullEnv := map[string]string{}
	if t.parent != nil {
		parentEnv, err := t.parent.GetFullEnv()
		if err != nil {
			return nil, err
		}
		for k, v := range parentEnv {
			fullEnv[k] = v
		}
	}
	for k, v := range t.env {
		fullEnv[k] = v
	}
	keys := make([]string, 0, len(t.envPre))
	for k := range t.envPre {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := t.envPre[k]
		if _, ok := fullEnv[k]; !ok {
			if osVal, ok := os.LookupEnv(k); ok {
				fullEnv[k] = osVal
			}
		}
		reversed := make([]string, len(vals))
		for i, v := range vals {
			reversed[len(vals)-1-i] = v
		}
		valText := strings.Join(reversed, ":")
		if existing, ok := fullEnv[k]; ok {
			fullEnv[k] = valText + ":" + existing
		} else {
			fullEnv[k] = valText
		}
	}
	t.fullEnv = fullEnv
	return fullEnv, nil
}

// Depend adds a dependency on another task, by full name.
func (t *Task) Depend(depName string) error {
	if err := t.requireNotFinalized("Depend"); err != nil {
		return err
	}
	t.depends[depName] = true
	return nil
}

// DependInstall adds a dependency on an install tree, by host and
// name.
func (t *Task) DependInstall(host *buildcfg.PkgHost, name string) error {
	if err := t.requireNotFinalized("DependInstall"); err != nil {
		return err
	}
	t.dependsInstall[installRef{host, name}.key()] = true
	if host != nil {
		t.shared.hosts[host.Name] = host
	}
	return nil
}

func (t *Task) provideInstallMain(host *buildcfg.PkgHost, name string) error {
	if err := t.requireNotFinalized("provide install"); err != nil {
		return err
	}
	key := installRef{host, name}.key()
	if t.shared.installProvided[key] {
		return sbgo.NewGraphError("install tree %s/%s already provided", hostName(host), name)
	}
	t.providesInstall[key] = true
	t.shared.installProvided[key] = true
	return nil
}

// ProvideInstall marks this task as providing an install tree.
func (t *Task) ProvideInstall(host *buildcfg.PkgHost, name string) error {
	if err := t.requireNotFinalized("ProvideInstall"); err != nil {
		return err
	}
	key := installRef{host, name}.key()
	if t.shared.implicitDeclare[key] {
		return sbgo.NewGraphError("install tree %s/%s already declared", hostName(host), name)
	}
	if _, ok := t.shared.implicitDefine[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already defined", hostName(host), name)
	}
	if _, ok := t.shared.implicitContrib[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already contributed to", hostName(host), name)
	}
	return t.provideInstallMain(host, name)
}

// DeclareImplicitInstall declares the existence of an implicitly
// created install tree, starting out empty; any number of other trees
// may subsequently be added to it via ContributeImplicitInstall. This
// is equivalent regardless of which task in the tree it is called on.
func (t *Task) DeclareImplicitInstall(host *buildcfg.PkgHost, name string) error {
	if err := t.requireNotFinalized("DeclareImplicitInstall"); err != nil {
		return err
	}
	key := installRef{host, name}.key()
	if t.shared.implicitDeclare[key] {
		return sbgo.NewGraphError("install tree %s/%s already declared", hostName(host), name)
	}
	if _, ok := t.shared.implicitDefine[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already defined", hostName(host), name)
	}
	if t.shared.installProvided[key] {
		return sbgo.NewGraphError("install tree %s/%s already provided", hostName(host), name)
	}
	t.shared.implicitDeclare[key] = true
	if host != nil {
		t.shared.hosts[host.Name] = host
	}
	return nil
}

// ContributeImplicitInstall adds tree to an implicitly created install
// tree, declared (before or after this call) via
// DeclareImplicitInstall.
func (t *Task) ContributeImplicitInstall(host *buildcfg.PkgHost, name string, tree fstree.Recipe) error {
	if err := t.requireNotFinalized("ContributeImplicitInstall"); err != nil {
		return err
	}
	key := installRef{host, name}.key()
	if _, ok := t.shared.implicitDefine[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already defined", hostName(host), name)
	}
	if t.shared.installProvided[key] {
		return sbgo.NewGraphError("install tree %s/%s already provided", hostName(host), name)
	}
	if existing, ok := t.shared.implicitContrib[key]; ok {
		t.shared.implicitContrib[key] = fstree.RecipeUnion{First: existing, Second: tree}
	} else {
		t.shared.implicitContrib[key] = tree
	}
	if host != nil {
		t.shared.hosts[host.Name] = host
	}
	return nil
}

// ContributePackage adds tree to the package-input install tree for
// host, created automatically by the packaging task.
func (t *Task) ContributePackage(host *buildcfg.PkgHost, tree fstree.Recipe) error {
	return t.ContributeImplicitInstall(host, "package-input", tree)
}

// DefineImplicitInstall defines an implicitly created install tree as
// exactly tree; it must not also be declared or contributed to.
func (t *Task) DefineImplicitInstall(host *buildcfg.PkgHost, name string, tree fstree.Recipe) error {
	if err := t.requireNotFinalized("DefineImplicitInstall"); err != nil {
		return err
	}
	key := installRef{host, name}.key()
	if t.shared.implicitDeclare[key] {
		return sbgo.NewGraphError("install tree %s/%s already declared", hostName(host), name)
	}
	if _, ok := t.shared.implicitDefine[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already defined", hostName(host), name)
	}
	if _, ok := t.shared.implicitContrib[key]; ok {
		return sbgo.NewGraphError("install tree %s/%s already contributed to", hostName(host), name)
	}
	if t.shared.installProvided[key] {
		return sbgo.NewGraphError("install tree %s/%s already provided", hostName(host), name)
	}
	t.shared.implicitDefine[key] = tree
	if host != nil {
		t.shared.hosts[host.Name] = host
	}
	return nil
}

// StartName returns the makefile target name for this task's start.
func (t *Task) StartName() string { return startNameOf(t.fullName) }

// EndName returns the makefile target name for this task's end.
func (t *Task) EndName() string { return endNameOf(t.fullName) }

// LogName returns the name of the log file for this task.
func (t *Task) LogName() (string, error) {
	if err := t.requireFinalized("LogName"); err != nil {
		return "", err
	}
	if t.number == -1 {
		return "", sbgo.NewGraphError("LogName called for task %s with no commands", t.fullName)
	}
	return fmt.Sprintf("%04d%s-log.txt", t.number, strings.ReplaceAll(t.fullName, "/", "-")), nil
}

func installTreeSortKey(k fstree.InstallKey) string { return k.Host + "\x00" + k.Name }

// RecordDeps records, into deps, the dependency edges for this task
// and every descendant: its start depends on its own declared
// dependencies, its parent's start, and any install trees it depends
// on; its end depends on its start and every subtask's end; every
// install tree it provides depends on its end.
func (t *Task) RecordDeps(deps map[string][]string) {
	startName := t.StartName()
	endName := t.EndName()

	instProv := make([]fstree.InstallKey, 0, len(t.providesInstall))
	for k := range t.providesInstall {
		instProv = append(instProv, k)
	}
	sort.Slice(instProv, func(i, j int) bool { return installTreeSortKey(instProv[i]) < installTreeSortKey(instProv[j]) })
	instDep := make([]fstree.InstallKey, 0, len(t.dependsInstall))
	for k := range t.dependsInstall {
		instDep = append(instDep, k)
	}
	sort.Slice(instDep, func(i, j int) bool { return installTreeSortKey(instDep[i]) < installTreeSortKey(instDep[j]) })

	ensure := func(name string) {
		if _, ok := deps[name]; !ok {
			deps[name] = nil
		}
	}
	for _, k := range instProv {
		ensure(fmt.Sprintf("install-trees/%s/%s", k.Host, k.Name))
	}
	ensure(startName)
	ensure(endName)

	dependNames := make([]string, 0, len(t.depends))
	for d := range t.depends {
		dependNames = append(dependNames, d)
	}
	sort.Strings(dependNames)
	var startDeps []string
	for _, d := range dependNames {
		startDeps = append(startDeps, endNameOf(d))
	}
	if t.parent != nil {
		startDeps = append(startDeps, t.parent.StartName())
	}
	for _, k := range instDep {
		startDeps = append(startDeps, fmt.Sprintf("install-trees/%s/%s", k.Host, k.Name))
	}
	deps[startName] = append(deps[startName], startDeps...)

	endDeps := make([]string, 0, len(t.subtasks)+1)
	for _, sub := range t.subtasks {
		endDeps = append(endDeps, sub.EndName())
	}
	endDeps = append(endDeps, startName)
	deps[endName] = append(deps[endName], endDeps...)

	for _, k := range instProv {
		name := fmt.Sprintf("install-trees/%s/%s", k.Host, k.Name)
		deps[name] = append(deps[name], endName)
	}
	for _, sub := range t.subtasks {
		sub.RecordDeps(deps)
	}
}

func (t *Task) addMakefileCommands(mf *makefile.Makefile, bc BuildContext) error {
	if err := t.requireFinalized("addMakefileCommands"); err != nil {
		return err
	}
	if len(t.steps) > 0 {
		taskDescText := fmt.Sprintf("[%04d/%04d] %s", t.number, t.numTasks, t.fullName)
		logName, err := t.LogName()
		if err != nil {
			return err
		}
		log := path.Join(bc.LogDir(), logName)
		target := t.EndName()

		msgStart := bc.AddCall(func(args []interface{}) error {
			return bc.TaskStart(args[0].(string))
		}, []interface{}{taskDescText}, log, false)
		startCmd := bc.WrapperStartTask(log, msgStart)
		startText, err := makefile.CommandToMake(startCmd)
		if err != nil {
			return err
		}
		if err := mf.AddCommand(target, startText); err != nil {
			return err
		}

		env, err := t.GetFullEnv()
		if err != nil {
			return err
		}
		for _, s := range t.steps {
			msgFail := bc.AddCall(func(args []interface{}) error {
				return bc.TaskFailCommand(args[0].(string), args[1].(string), args[2].(string))
			}, []interface{}{taskDescText, s.String(), log}, log, false)
			cwd := ""
			switch cs := s.(type) {
			case *commandStep:
				cwd = cs.cwd
			case *makeStep:
				cwd = cs.cwd
			}
			line, err := makeString(t.ctx, s, bc, log, cwd, msgFail, env)
			if err != nil {
				return err
			}
			if err := mf.AddCommand(target, line); err != nil {
				return err
			}
		}

		msgEnd := bc.AddCall(func(args []interface{}) error {
			return bc.TaskEnd(args[0].(string))
		}, []interface{}{taskDescText}, log, false)
		endCmd := bc.WrapperEndTask(log, msgEnd)
		endText, err := makefile.CommandToMake(endCmd)
		if err != nil {
			return err
		}
		if err := mf.AddCommand(target, endText); err != nil {
			return err
		}
	}
	for _, sub := range t.subtasks {
		if err := sub.addMakefileCommands(mf, bc); err != nil {
			return err
		}
	}
	return nil
}

// createImplicitInstallTasks creates tasks for every implicitly
// created install tree; called only on the top-level task, from
// Finalize.
func (t *Task) createImplicitInstallTasks() error {
	if t.fullName != "" {
		return sbgo.NewGraphError("createImplicitInstallTasks called for non-top-level task %s", t.fullName)
	}
	declared := make([]fstree.InstallKey, 0, len(t.shared.implicitContrib))
	for k := range t.shared.implicitContrib {
		declared = append(declared, k)
	}
	sort.Slice(declared, func(i, j int) bool { return installTreeSortKey(declared[i]) < installTreeSortKey(declared[j]) })
	for _, k := range declared {
		if !t.shared.implicitDeclare[k] {
			return sbgo.NewGraphError("install tree %s/%s never declared", k.Host, k.Name)
		}
	}

	allTrees := map[fstree.InstallKey]fstree.Recipe{}
	for k, v := range t.shared.implicitDefine {
		allTrees[k] = v
	}
	for k, v := range t.shared.implicitContrib {
		allTrees[k] = v
	}
	for k := range t.shared.implicitDeclare {
		if _, ok := allTrees[k]; !ok {
			allTrees[k] = fstree.RecipeEmpty{}
		}
	}

	keys := make([]fstree.InstallKey, 0, len(allTrees))
	for k := range allTrees {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return installTreeSortKey(keys[i]) < installTreeSortKey(keys[j]) })

	for _, key := range keys {
		tree := allTrees[key]
		host := t.shared.hosts[key.Host]
		hostTaskName := "install-trees-" + key.Host
		hostTaskFullName := "/" + hostTaskName
		hostTask := t.shared.byName[hostTaskFullName]
		var err error
		if hostTask == nil {
			hostTask, err = New(t.relcfg, t, hostTaskName, true)
			if err != nil {
				return err
			}
		}
		task, err := New(t.relcfg, hostTask, key.Name, false)
		if err != nil {
			return err
		}
		if err := task.provideInstallMain(host, key.Name); err != nil {
			return err
		}
		for dep := range tree.InstallTrees() {
			depHost := t.shared.hosts[dep.Host]
			if depHost == nil {
				depHost = host
			}
			if err := task.DependInstall(depHost, dep.Name); err != nil {
				return err
			}
		}
		instPath := t.relcfg.InstallTreePath(hostArg(host), key.Name)
		if err := task.AddEmptyDirParent(instPath); err != nil {
			return err
		}
		if err := task.AddPython(func(args []interface{}) error {
			destPath := args[0].(string)
			return fstree.ExportRecipe(t.ctx, tree, func(k fstree.InstallKey) (string, error) {
				h := t.shared.hosts[k.Host]
				if h == nil {
					return "", sbgo.NewGraphError("install tree %s/%s not known", k.Host, k.Name)
				}
				return t.relcfg.InstallTreePath(h, k.Name), nil
			}, destPath)
		}, []interface{}{instPath}); err != nil {
			return err
		}
	}
	return nil
}

// Finalize finalizes the whole task tree rooted at this (top-level)
// task: it creates implicit install-tree tasks, computes the global
// dependency order, and assigns task numbers. Called more than once,
// it is a no-op after the first call.
func (t *Task) Finalize() error {
	if t.fullName != "" {
		return sbgo.NewGraphError("Finalize called for non-top-level task %s", t.fullName)
	}
	if t.finalized {
		return nil
	}
	if err := t.createImplicitInstallTasks(); err != nil {
		return err
	}
	t.topDeps = map[string][]string{}
	t.RecordDeps(t.topDeps)
	sorted, err := tsort.Sort(t.ctx, t.topDeps)
	if err != nil {
		return err
	}
	t.topDepsList = sorted

	taskNumber := 1
	for _, target := range sorted {
		if strings.HasPrefix(target, taskEndPrefix) {
			name := target[len(taskEndPrefix):]
			task := t.shared.byName[name]
			if task != nil && len(task.steps) > 0 {
				task.number = taskNumber
				taskNumber++
			}
		}
	}
	numTasks := taskNumber - 1
	for _, task := range t.shared.byName {
		task.finalized = true
		task.numTasks = numTasks
	}
	return nil
}

// MakefileText finalizes the task tree and returns the makefile text
// driving its build, against bc for wrapper/RPC command generation.
func (t *Task) MakefileText(bc BuildContext) (string, error) {
	if t.fullName != "" {
		return "", sbgo.NewGraphError("MakefileText called for non-top-level task %s", t.fullName)
	}
	if err := t.Finalize(); err != nil {
		return "", err
	}
	mf := makefile.New("all")
	for _, target := range t.topDepsList {
		if target == "all" {
			continue
		}
		if err := mf.AddTarget(target); err != nil {
			return "", err
		}
	}
	if err := mf.AddDeps("all", []string{t.EndName()}); err != nil {
		return "", err
	}
	for _, target := range t.topDepsList {
		if err := mf.AddDeps(target, t.topDeps[target]); err != nil {
			return "", err
		}
	}
	if err := t.addMakefileCommands(mf, bc); err != nil {
		return "", err
	}
	return mf.Text(t.ctx)
}
