// Package modules resolves and caches require calls made by scripts.
//
// Bare ids ("vector") live under the built-in mount point, "./x" and "../x"
// resolve against the directory of the requiring module, and absolute ids
// are used as they are. Each resolved path is executed at most once per
// cache lifetime; later requires return the cached value.
package modules

import (
	"path"
	"strings"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
)

var (
	loaderLogger = logging.GetLogger().WithPrefix("modules")
)

// DefaultMount is where built-in modules are installed.
const DefaultMount = "/dev"

// SourceExt is tried when an id without extension is not found.
const SourceExt = ".lua"

// Trust is the capability class of a module.
type Trust int

const (
	// Insulated code sees only the environment record and pure intrinsics.
	Insulated Trust = iota
	// Native code also sees the machine globals.
	Native
)

func (t Trust) String() string {
	if t == Native {
		return "native"
	}
	return "insulated"
}

// TrustOf maps file rights to a trust class.
func TrustOf(rights vfs.Rights) Trust {
	if rights.Native {
		return Native
	}
	return Insulated
}

// ErrCycle is wrapped by errors for a module that requires itself,
// directly or through others.
var ErrCycle = errors.New("require cycle detected")

// CycleError lists the require chain that closed a cycle.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return ErrCycle.Error() + ": " + strings.Join(e.Chain, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Options configure a Loader.
type Options struct {
	// Mount is the directory bare ids resolve under. Defaults to DefaultMount.
	Mount string
	// Env is the environment record every module sees.
	Env *lua.LTable
}

// Loader implements require for one runtime instance. It is not safe for
// concurrent use.
type Loader struct {
	fs       *vfs.FileSystem
	machine  *sandbox.Machine
	env      *lua.LTable
	mount    string
	builtins map[string]Builtin
	cache    map[string]lua.LValue
	loading  []string
}

// NewLoader creates a loader reading sources from fsys.
func NewLoader(fsys *vfs.FileSystem, machine *sandbox.Machine, opts Options) *Loader {
	mount := opts.Mount
	if mount == "" {
		mount = DefaultMount
	}
	if normalized, err := vfs.Normalize(mount); err == nil {
		mount = normalized
	}
	return &Loader{
		fs:       fsys,
		machine:  machine,
		env:      opts.Env,
		mount:    mount,
		builtins: make(map[string]Builtin),
		cache:    make(map[string]lua.LValue),
	}
}

// Mount returns the built-in mount point.
func (l *Loader) Mount() string { return l.mount }

// SetEnv replaces the environment record for modules loaded from now on.
func (l *Loader) SetEnv(env *lua.LTable) { l.env = env }

// Register adds a built-in under the mount point and returns its path.
// Registered built-ins take precedence over files at the same path.
func (l *Loader) Register(b Builtin) string {
	p := path.Join(l.mount, b.Name)
	l.builtins[p] = b
	loaderLogger.Debug("Registered built-in %s (%s)", p, b.Trust)
	return p
}

// Builtins returns the registered built-ins by path.
func (l *Loader) Builtins() map[string]Builtin {
	out := make(map[string]Builtin, len(l.builtins))
	for p, b := range l.builtins {
		out[p] = b
	}
	return out
}

// Reset empties the cache. The next require of any path executes it again.
func (l *Loader) Reset() {
	l.cache = make(map[string]lua.LValue)
	l.loading = nil
	loaderLogger.Debug("Module cache cleared")
}

// Cached returns the cached value for a resolved path.
func (l *Loader) Cached(p string) (lua.LValue, bool) {
	v, ok := l.cache[p]
	return v, ok
}

// Resolve maps id, as written in a module in dir, to a normalized path.
// The path is not checked for existence.
func (l *Loader) Resolve(id, dir string) (string, error) {
	if vfs.IsDefault(id) {
		return vfs.Normalize(path.Join(l.mount, id))
	}
	p, err := vfs.Resolve(id, dir)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %q from %s", id, dir)
	}
	return p, nil
}

// locate returns the first existing candidate for p.
func (l *Loader) locate(p string) (string, bool) {
	candidates := []string{p}
	if path.Ext(p) == "" {
		candidates = append(candidates, p+SourceExt)
	}
	for _, c := range candidates {
		if _, ok := l.builtins[c]; ok {
			return c, true
		}
		if info, err := l.fs.Get(c); err == nil && !info.Dir {
			return c, true
		}
	}
	return "", false
}

// Require loads id on behalf of a module in dir, running any new module on
// L. It returns nil without error when no source exists for id.
func (l *Loader) Require(L *lua.LState, id, dir string) (lua.LValue, error) {
	p, err := l.Resolve(id, dir)
	if err != nil {
		return lua.LNil, err
	}
	if v, ok := l.cache[p]; ok {
		loaderLogger.Trace("Cache hit for %s", p)
		return v, nil
	}

	found, ok := l.locate(p)
	if !ok {
		loaderLogger.Debug("Module %q not found (resolved to %s)", id, p)
		return lua.LNil, nil
	}
	if v, ok := l.cache[found]; ok {
		return v, nil
	}

	for _, loading := range l.loading {
		if loading == found {
			chain := append(append([]string(nil), l.loading...), found)
			return lua.LNil, &CycleError{Chain: chain}
		}
	}

	l.loading = append(l.loading, found)
	defer func() { l.loading = l.loading[:len(l.loading)-1] }()

	v, err := l.load(L, found)
	if err != nil {
		return lua.LNil, err
	}
	l.cache[found] = v
	if found != p {
		l.cache[p] = v
	}
	return v, nil
}

func (l *Loader) load(L *lua.LState, p string) (lua.LValue, error) {
	if b, ok := l.builtins[p]; ok {
		loaderLogger.Debug("Opening built-in %s", p)
		return b.Open(L, l.machine), nil
	}

	src, err := l.fs.ReadFile(p)
	if err != nil {
		return lua.LNil, errors.Wrapf(err, "read module %s", p)
	}
	rights, err := l.fs.Rights(p)
	if err != nil {
		return lua.LNil, errors.Wrapf(err, "rights of module %s", p)
	}
	return l.Execute(L, src, p, TrustOf(rights))
}

// Module is a compiled but not yet executed module.
type Module struct {
	Path string
	Unit *sandbox.Unit

	module  *lua.LTable
	exports *lua.LTable
}

// Result picks the module value from what its unit returned: the exports if
// the module populated or replaced them, otherwise its non-nil return value,
// otherwise the empty exports table.
func (mod *Module) Result(values []lua.LValue) lua.LValue {
	switch replaced := mod.module.RawGetString("exports"); {
	case replaced != mod.exports && replaced != lua.LNil:
		return replaced
	case mod.exports.Len() > 0 || hasKeys(mod.exports):
		return mod.exports
	case len(values) > 0 && values[0] != lua.LNil:
		return values[0]
	default:
		return mod.exports
	}
}

// Prepare compiles src as the module at p with the module locals in scope.
// Nothing runs until the unit is called.
func (l *Loader) Prepare(src, p string, trust Trust) (*Module, error) {
	dir, file, err := vfs.Split(p)
	if err != nil {
		return nil, err
	}

	L := l.machine.L
	exports := L.NewTable()
	module := L.NewTable()
	module.RawSetString("exports", exports)
	module.RawSetString("filename", lua.LString(p))

	unit, err := l.machine.Compile(src, sandbox.Options{
		Env: l.env,
		Locals: map[string]lua.LValue{
			"module":     module,
			"exports":    exports,
			"require":    l.RequireFunc(dir),
			"__dirname":  lua.LString(dir),
			"__filename": lua.LString(path.Join(dir, file)),
		},
		Insulate: trust != Native,
		Source:   p,
	})
	if err != nil {
		return nil, err
	}
	return &Module{Path: p, Unit: unit, module: module, exports: exports}, nil
}

// Execute runs src as the module at p on L and returns its value. The
// result is not cached.
func (l *Loader) Execute(L *lua.LState, src, p string, trust Trust) (lua.LValue, error) {
	mod, err := l.Prepare(src, p, trust)
	if err != nil {
		return lua.LNil, err
	}

	loaderLogger.Debug("Executing %s (%s)", p, trust)
	values, err := mod.Unit.CallOn(L)
	if err != nil {
		return lua.LNil, err
	}
	return mod.Result(values), nil
}

// Enter marks the module at p as loading until the returned function is
// called, so that a require of p from code it runs is reported as a cycle.
// It is for modules run outside Require, such as the main module.
func (l *Loader) Enter(p string) (leave func()) {
	l.loading = append(l.loading, p)
	n := len(l.loading)
	return func() {
		if len(l.loading) >= n {
			l.loading = l.loading[:n-1]
		}
	}
}

// Store caches v as the value of the module at p.
func (l *Loader) Store(p string, v lua.LValue) {
	l.cache[p] = v
}

func hasKeys(tbl *lua.LTable) bool {
	k, _ := tbl.Next(lua.LNil)
	return k != lua.LNil
}

// RequireFunc returns a Lua require bound to dir. A failing load raises a
// Lua error in the caller.
func (l *Loader) RequireFunc(dir string) *lua.LFunction {
	return l.machine.L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		v, err := l.Require(L, id, dir)
		if err != nil {
			L.RaiseError("require %q: %v", id, err)
			return 0
		}
		L.Push(v)
		return 1
	})
}
