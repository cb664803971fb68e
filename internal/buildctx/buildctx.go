// Package buildctx assembles a release's task tree and drives it
// through `make`: it owns the coordinator RPC server, the wrapper
// command factories baked into every generated makefile recipe, and
// the task-lifecycle callbacks that print build progress.
//
// Grounded on original_source/build.py's BuildContext class (distinct
// from context.py's ScriptContext, which this module has no Go analog
// for beyond the plain *sbgo.Ctx already threaded everywhere).
package buildctx

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path"
	"strconv"

	"github.com/sourcerytools/sbgo"
	"github.com/sourcerytools/sbgo/internal/buildcfg"
	"github.com/sourcerytools/sbgo/internal/buildtask"
	"github.com/sourcerytools/sbgo/internal/multilib"
	"github.com/sourcerytools/sbgo/internal/relcfg"
	"github.com/sourcerytools/sbgo/internal/rpc"
)

// ComponentBuilder emits the build tasks for one component. Each
// method is one of component.py's add_build_tasks_* hooks. Declared
// narrowly here (rather than imported from internal/component) for
// the same reason buildtask declares its own BuildContext interface:
// internal/component's richer ComponentClass embeds this interface
// and adds the config-time-only hooks relcfg.ComponentClass already
// covers, so a direct import the other way would cycle.
//
// group is a parallel container for every hook except the two
// multilib hooks: hooks given a parallel group must add their own
// child tasks under it rather than commands directly (a parallel
// task may not carry commands of its own), or leave it untouched for
// hooks that don't apply to a given component. The multilib hooks
// get a serial group, one per multilib. BaseBuilder supplies a
// no-op default for every hook, so a concrete builder need only
// override the ones it uses.
type ComponentBuilder interface {
	// AddBuildTasksInit runs once per component, host-independent,
	// before every other hook.
	AddBuildTasksInit(bc *BuildContext, comp *relcfg.ComponentInConfig, group *buildtask.Task) error
	// AddBuildTasksHostIndep runs once per component, host-independent.
	AddBuildTasksHostIndep(bc *BuildContext, comp *relcfg.ComponentInConfig, group *buildtask.Task) error
	// AddBuildTasksForHost runs once per (component, host) pair.
	AddBuildTasksForHost(bc *BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, group *buildtask.Task) error
	// AddBuildTasksForFirstHost runs once per component, for the
	// first host only (in addition to AddBuildTasksForHost).
	AddBuildTasksForFirstHost(bc *BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, group *buildtask.Task) error
	// AddBuildTasksForOtherHosts runs once per (component, host) pair
	// for every host but the first (in addition to AddBuildTasksForHost).
	AddBuildTasksForOtherHosts(bc *BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, group *buildtask.Task) error
	// AddBuildTasksForFirstHostMultilib runs once per (component,
	// multilib) pair, against the first host only. Multilib-specific
	// tasks typically relate to target code, which only needs to be
	// built once, by the host carrying the cross compiler.
	AddBuildTasksForFirstHostMultilib(bc *BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, ml *multilib.Multilib, group *buildtask.Task) error
	// AddBuildTasksForOtherHostsMultilib runs once per (component,
	// host, multilib) triple for every host but the first; it would
	// typically only contribute install trees already built for the
	// first host into the package for some other host.
	AddBuildTasksForOtherHostsMultilib(bc *BuildContext, comp *relcfg.ComponentInConfig, host *buildcfg.PkgHost, ml *multilib.Multilib, group *buildtask.Task) error
	// AddBuildTasksFini runs once per component, host-independent,
	// after every other hook.
	AddBuildTasksFini(bc *BuildContext, comp *relcfg.ComponentInConfig, group *buildtask.Task) error
}

// BaseBuilder implements ComponentBuilder with a no-op for every hook.
// Concrete component builders embed BaseBuilder and override only the
// hooks that apply to them, the way component.py's base Component
// class supplies defaults for subclasses to selectively override.
type BaseBuilder struct{}

func (BaseBuilder) AddBuildTasksInit(*BuildContext, *relcfg.ComponentInConfig, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksHostIndep(*BuildContext, *relcfg.ComponentInConfig, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksForHost(*BuildContext, *relcfg.ComponentInConfig, *buildcfg.PkgHost, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksForFirstHost(*BuildContext, *relcfg.ComponentInConfig, *buildcfg.PkgHost, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksForOtherHosts(*BuildContext, *relcfg.ComponentInConfig, *buildcfg.PkgHost, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksForFirstHostMultilib(*BuildContext, *relcfg.ComponentInConfig, *buildcfg.PkgHost, *multilib.Multilib, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksForOtherHostsMultilib(*BuildContext, *relcfg.ComponentInConfig, *buildcfg.PkgHost, *multilib.Multilib, *buildtask.Task) error {
	return nil
}

func (BaseBuilder) AddBuildTasksFini(*BuildContext, *relcfg.ComponentInConfig, *buildtask.Task) error {
	return nil
}

const (
	buildFailedName = "build-failed"
	tailLines       = 25
)

// BuildContext owns the task tree for one release build, the
// coordinator RPC server backing its task-lifecycle callbacks, and the
// wrapper command factories baked into every generated makefile
// recipe.
type BuildContext struct {
	ctx    *sbgo.Ctx
	relcfg *relcfg.ReleaseConfig
	top    *buildtask.Task
	server *rpc.Server

	sockDir    string
	logDir     string
	selfPath   string
	failedPath string
}

// New constructs a BuildContext for rc, building the task tree by
// calling every ComponentBuilder hook registered in builders, for
// every component and (component, host) and (component, host,
// multilib) combination in the release (skipping components with no
// registered builder, e.g. the implicit "package" component class
// which contributes no tasks of its own). selfPath re-invokes the
// current binary for the wrapper subcommands (sb-run-command,
// sb-start-task, sb-end-task, sb-rpc-client); objDir holds the log
// directory and the build-failed sentinel. parallelism sizes the RPC
// server's forking-call concurrency to match the `-j` the caller will
// later pass to make.
func New(ctx *sbgo.Ctx, rc *relcfg.ReleaseConfig, builders map[string]ComponentBuilder, selfPath, objDir string, parallelism int) (*BuildContext, error) {
	sockDir, err := ioutil.TempDir("", "sb-rpc-")
	if err != nil {
		return nil, sbgo.NewExecError("creating rpc socket directory").WithErr(err)
	}
	logDir := path.Join(objDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, sbgo.NewExecError("creating log directory %s", logDir).WithErr(err)
	}

	top, err := buildtask.New(rc, nil, "", false)
	if err != nil {
		return nil, err
	}

	bc := &BuildContext{
		ctx:        ctx,
		relcfg:     rc,
		top:        top,
		server:     rpc.NewServer(ctx, sockDir, int64(parallelism)),
		sockDir:    sockDir,
		logDir:     logDir,
		selfPath:   selfPath,
		failedPath: path.Join(objDir, buildFailedName),
	}

	hosts := rc.Hosts()
	multilibs := rc.Multilibs()
	for _, comp := range rc.ListComponents() {
		builder := builders[comp.OrigName]
		if builder == nil {
			continue
		}
		if err := addComponentBuildTasks(rc, top, bc, comp, builder, hosts, multilibs); err != nil {
			return nil, err
		}
	}

	return bc, nil
}

// addComponentBuildTasks builds one component's subtree under top,
// calling every ComponentBuilder hook in the order component.py's
// caller does: init first, then the host-independent and per-host
// work (which may run in parallel with each other), then fini last.
func addComponentBuildTasks(rc *relcfg.ReleaseConfig, top *buildtask.Task, bc *BuildContext, comp *relcfg.ComponentInConfig, builder ComponentBuilder, hosts []*buildcfg.PkgHost, multilibs []*multilib.Multilib) error {
	compTask, err := buildtask.New(rc, top, comp.Name, false)
	if err != nil {
		return err
	}

	initTask, err := buildtask.New(rc, compTask, "init", true)
	if err != nil {
		return err
	}
	if err := builder.AddBuildTasksInit(bc, comp, initTask); err != nil {
		return err
	}

	buildGroup, err := buildtask.New(rc, compTask, "build", true)
	if err != nil {
		return err
	}

	hostIndepTask, err := buildtask.New(rc, buildGroup, "host-indep", true)
	if err != nil {
		return err
	}
	if err := builder.AddBuildTasksHostIndep(bc, comp, hostIndepTask); err != nil {
		return err
	}

	for i, host := range hosts {
		hostTask, err := buildtask.New(rc, buildGroup, "host-"+hostTaskName(host), true)
		if err != nil {
			return err
		}
		if err := builder.AddBuildTasksForHost(bc, comp, host, hostTask); err != nil {
			return err
		}
		isFirstHost := i == 0
		if isFirstHost {
			if err := builder.AddBuildTasksForFirstHost(bc, comp, host, hostTask); err != nil {
				return err
			}
		} else {
			if err := builder.AddBuildTasksForOtherHosts(bc, comp, host, hostTask); err != nil {
				return err
			}
		}

		for j, ml := range multilibs {
			mlTask, err := buildtask.New(rc, hostTask, fmt.Sprintf("multilib-%d", j), false)
			if err != nil {
				return err
			}
			if isFirstHost {
				if err := builder.AddBuildTasksForFirstHostMultilib(bc, comp, host, ml, mlTask); err != nil {
					return err
				}
			} else {
				if err := builder.AddBuildTasksForOtherHostsMultilib(bc, comp, host, ml, mlTask); err != nil {
					return err
				}
			}
		}
	}

	finiTask, err := buildtask.New(rc, compTask, "fini", true)
	if err != nil {
		return err
	}
	return builder.AddBuildTasksFini(bc, comp, finiTask)
}

// hostTaskName returns the task-name fragment identifying host, or
// "build" for the host-independent pseudo-host used by
// single-host-independent releases.
func hostTaskName(host *buildcfg.PkgHost) string {
	if host == nil {
		return "build"
	}
	return host.Name
}

// Top returns the root of the task tree, for callers that need to add
// tasks outside the per-component loop (e.g. a packaging pass run
// after every component has built).
func (bc *BuildContext) Top() *buildtask.Task { return bc.top }

// Close removes the temporary RPC socket directory. Callers should
// defer Close after New succeeds.
func (bc *BuildContext) Close() error {
	return os.RemoveAll(bc.sockDir)
}

// WrapperRunCommand satisfies buildtask.BuildContext: the argv used to
// invoke the `sb-run-command` wrapper around a single build step,
// which runs the real command, logging its output to log, and
// reports failMessage back to the coordinator if it exits nonzero.
func (bc *BuildContext) WrapperRunCommand(log, failMessage, cwd string) []string {
	args := []string{bc.selfPath, "sb-run-command", "--sockdir", bc.sockDir, "--log", log, "--fail-message", failMessage}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	return args
}

// WrapperStartTask satisfies buildtask.BuildContext.
func (bc *BuildContext) WrapperStartTask(log string, msgStart int) []string {
	return []string{bc.selfPath, "sb-start-task", "--sockdir", bc.sockDir, "--log", log, "--message", strconv.Itoa(msgStart)}
}

// WrapperEndTask satisfies buildtask.BuildContext.
func (bc *BuildContext) WrapperEndTask(log string, msgEnd int) []string {
	return []string{bc.selfPath, "sb-end-task", "--sockdir", bc.sockDir, "--log", log, "--message", strconv.Itoa(msgEnd)}
}

// RPCClientCommand satisfies buildtask.BuildContext: the argv used by
// a Python-style build step to invoke its registered callback in the
// coordinator process.
func (bc *BuildContext) RPCClientCommand(msg int) []string {
	return []string{bc.selfPath, "sb-rpc-client", "--sockdir", bc.sockDir, "--message", strconv.Itoa(msg)}
}

// AddCall satisfies buildtask.BuildContext by delegating to the RPC
// server.
func (bc *BuildContext) AddCall(fn func(args []interface{}) error, args []interface{}, log string, forking bool) int {
	return bc.server.AddCall(fn, args, log, forking)
}

// LogDir satisfies buildtask.BuildContext.
func (bc *BuildContext) LogDir() string { return bc.logDir }

// TaskStart implements the task_start RPC callback: announce a task's
// start, subject to ctx.Silent.
func (bc *BuildContext) TaskStart(desc string) error {
	bc.ctx.Inform("%s", desc)
	return nil
}

// TaskEnd implements the task_end RPC callback.
func (bc *BuildContext) TaskEnd(desc string) error {
	bc.ctx.Verbosef("%s: done", desc)
	return nil
}

// TaskFailCommand implements the task_fail_command RPC callback: a
// command inside a task failed. It tails the last lines of the
// task's log to stderr, so the user sees the actual error without
// having to go dig up the full log file, marks the build as failed
// (checked by RunBuild once make itself returns, since make does not
// stop other independent branches of a `-j` build on one failure),
// and reports the failure back to the coordinator.
func (bc *BuildContext) TaskFailCommand(desc, command, logPath string) error {
	fmt.Fprintf(os.Stderr, "%s: command failed: %s\n", desc, command)
	tail, err := tailFile(logPath, tailLines)
	if err == nil {
		for _, line := range tail {
			fmt.Fprintln(os.Stderr, line)
		}
	}
	if err := markBuildFailed(bc.failedPath); err != nil {
		return err
	}
	return sbgo.NewExecError("%s: command failed: %s", desc, command)
}

func markBuildFailed(failedPath string) error {
	f, err := os.OpenFile(failedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return sbgo.NewExecError("writing build-failed sentinel").WithErr(err)
	}
	return f.Close()
}

// tailFile returns the last n lines of the file at path.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(buf) == n {
			buf = buf[1:]
		}
		buf = append(buf, scanner.Text())
	}
	return buf, scanner.Err()
}

// WriteMakefile finalizes the task tree and writes the generated
// makefile to path.
func (bc *BuildContext) WriteMakefile(path string) error {
	text, err := bc.top.MakefileText(bc)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, []byte(text), 0o644)
}

// RunBuild starts the RPC server, runs `make -j<parallelism>` against
// the makefile at makefilePath, stops the server, and reports
// failure either from make's own exit status or from the
// build-failed sentinel a task-failure callback may have left behind
// (make does not abort sibling `-j` branches on one failure, so the
// sentinel is the authoritative signal). ctx is normally
// sbgo.InterruptibleContext's, so a SIGINT/SIGTERM stops `make` instead
// of leaving it running after the driver has already torn down.
func (bc *BuildContext) RunBuild(ctx context.Context, makefilePath string, parallelism int) error {
	os.Remove(bc.failedPath)

	if err := bc.server.Start(); err != nil {
		return sbgo.NewExecError("starting rpc server").WithErr(err)
	}
	defer bc.server.Stop()

	cmd := exec.CommandContext(ctx, "make", "-f", makefilePath, fmt.Sprintf("-j%d", parallelism))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()

	if _, err := os.Stat(bc.failedPath); err == nil {
		return sbgo.NewExecError("build failed")
	}
	if runErr != nil {
		return sbgo.NewExecError("make exited with an error").WithErr(runErr)
	}
	return nil
}
