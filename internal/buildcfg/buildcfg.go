// Package buildcfg implements BuildCfg and PkgHost: the toolset and
// packaging-host descriptions from spec §3.
//
// Grounded on sourcery/buildcfg.py and sourcery/pkghost.py, with
// run_tool/get_endianness semantics recovered from
// sourcery/selftests/test_buildcfg.py (the retrieved buildcfg.py omits
// them, but spec §3 requires both).
package buildcfg

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/sourcerytools/sbgo"
)

var nameSanitize = regexp.MustCompile(`[^0-9A-Za-z_-]`)

// BuildCfg captures a toolset: the GNU triplet to build for, the
// directory-build name, the tool prefix, compiler options applied to all
// compiler drivers, and per-tool extra options.
type BuildCfg struct {
	ctx *sbgo.Ctx

	Triplet    string
	Name       string
	ToolPrefix string
	CCOpts     []string
	ToolOpts   map[string][]string

	toolPrefixSet bool
}

// Option configures a BuildCfg at construction time.
type Option func(*BuildCfg)

// WithName overrides the default name (triplet + sanitized ccopts).
func WithName(name string) Option { return func(b *BuildCfg) { b.Name = name } }

// WithToolPrefix overrides the default tool prefix (triplet + "-"); an
// empty string means native, unprefixed tools.
func WithToolPrefix(prefix string) Option {
	return func(b *BuildCfg) { b.ToolPrefix = prefix; b.toolPrefixSet = true }
}

// WithCCOpts sets compiler options passed to all compiler drivers.
func WithCCOpts(opts []string) Option { return func(b *BuildCfg) { b.CCOpts = append([]string{}, opts...) } }

// WithToolOpts sets extra per-tool argv appended to the named tool's
// argv (after ccopts for compilers).
func WithToolOpts(opts map[string][]string) Option {
	return func(b *BuildCfg) {
		b.ToolOpts = make(map[string][]string, len(opts))
		for k, v := range opts {
			b.ToolOpts[k] = append([]string{}, v...)
		}
	}
}

// New constructs a BuildCfg for the given triplet, applying options in
// order. triplet must be non-empty.
func New(ctx *sbgo.Ctx, triplet string, opts ...Option) (*BuildCfg, error) {
	if triplet == "" {
		return nil, sbgo.NewConfigError("triplet must be a non-empty string")
	}
	b := &BuildCfg{ctx: ctx, Triplet: triplet}
	for _, o := range opts {
		o(b)
	}
	if !b.toolPrefixSet {
		b.ToolPrefix = triplet + "-"
	}
	if b.Name == "" {
		b.Name = b.defaultName()
	}
	return b, nil
}

func (b *BuildCfg) defaultName() string {
	return nameSanitize.ReplaceAllString(b.Triplet+strings.Join(b.CCOpts, ""), "_")
}

// IsWindows reports whether this triplet targets Windows.
func (b *BuildCfg) IsWindows() bool {
	return strings.Contains(b.Triplet, "-mingw")
}

// UseLibiconv reports whether this configuration should build against
// libiconv; equivalent to IsWindows.
func (b *BuildCfg) UseLibiconv() bool { return b.IsWindows() }

// UseNcurses reports whether this configuration should build against
// ncurses; equivalent to !IsWindows.
func (b *BuildCfg) UseNcurses() bool { return !b.IsWindows() }

var toolAliases = map[string]string{
	"c-compiler":   "gcc",
	"c++-compiler": "g++",
}

// Tool returns the argv prefix (tool name plus fixed options) for the
// named tool; "c-compiler"/"c++-compiler" alias to gcc/g++. The returned
// slice is freshly allocated and may be mutated by the caller.
func (b *BuildCfg) Tool(name string) []string {
	if alias, ok := toolAliases[name]; ok {
		name = alias
	}
	argv := []string{b.ToolPrefix + name}
	switch name {
	case "c++", "cpp", "g++", "gcc":
		argv = append(argv, b.CCOpts...)
	}
	if extra, ok := b.ToolOpts[name]; ok {
		argv = append(argv, extra...)
	}
	return argv
}

var configureVarMap = []struct{ Var, Tool string }{
	{"AR", "ar"},
	{"AS", "as"},
	{"CC", "c-compiler"},
	{"CXX", "c++-compiler"},
	{"LD", "ld"},
	{"NM", "nm"},
	{"OBJCOPY", "objcopy"},
	{"OBJDUMP", "objdump"},
	{"RANLIB", "ranlib"},
	{"READELF", "readelf"},
	{"STRIP", "strip"},
}

// ConfigureVars returns the list of "VAR=value" configure-time variable
// settings, sorted by variable name, with WINDRES and its libtool alias
// RC added when IsWindows. cflagsExtra, if non-nil, is appended to the CC
// and CXX settings (e.g. for debug info relocation flags).
func (b *BuildCfg) ConfigureVars(cflagsExtra []string) ([]string, error) {
	vars := append([]struct{ Var, Tool string }{}, configureVarMap...)
	if b.IsWindows() {
		vars = append(vars, struct{ Var, Tool string }{"WINDRES", "windres"}, struct{ Var, Tool string }{"RC", "windres"})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Var < vars[j].Var })
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		val := b.Tool(v.Tool)
		if cflagsExtra != nil && (v.Var == "CC" || v.Var == "CXX") {
			val = append(val, cflagsExtra...)
		}
		for _, word := range val {
			if shellQuote(word) != word {
				return nil, sbgo.NewConfigError("%s contains non-shell-safe value: %s", v.Var, word)
			}
		}
		out = append(out, fmt.Sprintf("%s=%s", v.Var, strings.Join(val, " ")))
	}
	return out, nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func shellQuote(s string) string {
	if s != "" && shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// RunTool runs the named tool with args, with PATH prefixed by
// pathPrepend (if non-empty). If check is true, a non-zero exit is
// returned as an error; otherwise the *exec.ExitError (if any) is
// swallowed and the caller should inspect stdout/stderr directly.
func (b *BuildCfg) RunTool(name string, args []string, pathPrepend string, check bool) (stdout, stderr []byte, err error) {
	argv := b.Tool(name)
	argv = append(argv, args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	if pathPrepend != "" {
		cmd.Env = append(os.Environ(), "PATH="+pathPrepend+":"+os.Getenv("PATH"))
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if check && runErr != nil {
		return outBuf.Bytes(), errBuf.Bytes(), sbgo.NewExecError("%v", argv).WithErr(runErr)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

const endiannessProbe = `#if __BYTE_ORDER__ == __ORDER_LITTLE_ENDIAN__
little
#elif __BYTE_ORDER__ == __ORDER_BIG_ENDIAN__
big
#else
other
#endif
`

// GetEndianness preprocesses a small probe comparing __BYTE_ORDER__ and
// returns "little" or "big"; it fails for PDP-endian or an unrecognized
// result.
func (b *BuildCfg) GetEndianness(pathPrepend string) (string, error) {
	argv := b.Tool("c-compiler")
	argv = append(argv, "-E", "-")
	cmd := exec.Command(argv[0], argv[1:]...)
	if pathPrepend != "" {
		cmd.Env = append(os.Environ(), "PATH="+pathPrepend+":"+os.Getenv("PATH"))
	}
	cmd.Stdin = strings.NewReader(endiannessProbe)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", sbgo.NewExecError("preprocessing endianness probe").WithErr(err)
	}
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		switch line {
		case "little", "big":
			return line, nil
		case "other":
			return "", sbgo.NewConfigError("could not determine endianness: got other")
		}
	}
	return "", sbgo.NewConfigError("could not determine endianness: no recognizable output")
}

// String renders b the way a BuildCfg call would appear in a release
// config, omitting the context argument — used for config introspection
// and diagnostics, matching the source's __repr__.
func (b *BuildCfg) String() string {
	args := []string{fmt.Sprintf("%q", b.Triplet)}
	if b.Name != b.defaultName() {
		args = append(args, fmt.Sprintf("name=%q", b.Name))
	}
	if b.ToolPrefix != b.Triplet+"-" {
		args = append(args, fmt.Sprintf("tool_prefix=%q", b.ToolPrefix))
	}
	if len(b.CCOpts) > 0 {
		args = append(args, fmt.Sprintf("ccopts=%v", b.CCOpts))
	}
	return "BuildCfg(" + strings.Join(args, ", ") + ")"
}

// PkgHost is a named host for which packages are built, pairing a name
// with the BuildCfg used to build host-side code for it.
type PkgHost struct {
	Name     string
	BuildCfg *BuildCfg
}

// NewPkgHost constructs a PkgHost. If cfg is nil, BuildCfg(name) is used
// as the default.
func NewPkgHost(ctx *sbgo.Ctx, name string, cfg *BuildCfg) (*PkgHost, error) {
	if cfg == nil {
		var err error
		cfg, err = New(ctx, name)
		if err != nil {
			return nil, err
		}
	}
	return &PkgHost{Name: name, BuildCfg: cfg}, nil
}

// HaveSymlinks reports whether packages for this host may use symlinks;
// false exactly for Windows hosts.
func (p *PkgHost) HaveSymlinks() bool { return !p.BuildCfg.IsWindows() }
