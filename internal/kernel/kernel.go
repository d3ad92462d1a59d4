// Package kernel ties one virtual filesystem, one interpreter and one module
// loader into a runtime instance.
package kernel

import (
	"context"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
	"genomevm/internal/modules"
	"genomevm/internal/sandbox"
	"genomevm/internal/vfs"
)

var (
	kernelLogger = logging.GetLogger().WithPrefix("kernel")
)

// DefaultMain is the module Restart executes.
const DefaultMain = "/main.lua"

// BuiltinRights are given to every built-in installed under the mount.
var BuiltinRights = vfs.Rights{Native: true, RootOnlyWrite: true}

// Options configure a Kernel.
type Options struct {
	// Mount is the built-in directory. Defaults to modules.DefaultMount.
	Mount string
	// Main is the module run by Restart. Defaults to DefaultMain.
	Main string
	// Seed feeds helpers.random.
	Seed int64
	// Globals are injected into the environment record. Values are
	// converted with sandbox.FromGo.
	Globals map[string]any
	// Console receives print and console output.
	Console sandbox.Console
}

// Kernel is one runtime instance. Like the machine it wraps, it is not safe
// for concurrent use.
type Kernel struct {
	fs      *vfs.FileSystem
	machine *sandbox.Machine
	loader  *modules.Loader
	env     *lua.LTable
	genome  *lua.LTable
	main    string
}

// New creates a runtime over fsys, installs the built-ins and builds the
// environment record.
func New(fsys *vfs.FileSystem, opts Options) (*Kernel, error) {
	main := opts.Main
	if main == "" {
		main = DefaultMain
	}
	main, err := vfs.Normalize(main)
	if err != nil {
		return nil, errors.Wrapf(err, "main module %q", opts.Main)
	}

	machine := sandbox.NewMachine(sandbox.MachineOptions{Console: opts.Console})
	k := &Kernel{
		fs:      fsys,
		machine: machine,
		main:    main,
	}
	k.env = k.buildEnv(opts.Globals)
	k.genome = k.buildGenomeEnv()
	k.loader = modules.NewLoader(fsys, machine, modules.Options{Mount: opts.Mount, Env: k.env})

	for _, b := range modules.Standard(opts.Seed) {
		p := k.loader.Register(b)
		if err := fsys.Install(p, b.Doc, BuiltinRights); err != nil {
			machine.Close()
			return nil, errors.Wrapf(err, "install built-in %s", p)
		}
	}

	kernelLogger.Info("Runtime ready (mount %s, main %s)", k.loader.Mount(), main)
	return k, nil
}

// Close releases the interpreter.
func (k *Kernel) Close() {
	k.machine.Close()
}

// Machine returns the interpreter.
func (k *Kernel) Machine() *sandbox.Machine { return k.machine }

// Loader returns the module loader.
func (k *Kernel) Loader() *modules.Loader { return k.loader }

// Env returns the environment record shared by all scripts.
func (k *Kernel) Env() *lua.LTable { return k.env }

// GenomeEnv returns the environment record for genomes, which holds only
// the console.
func (k *Kernel) GenomeEnv() *lua.LTable { return k.genome }

// FS returns the virtual filesystem.
func (k *Kernel) FS() *vfs.FileSystem { return k.fs }

// Main returns the path Restart executes.
func (k *Kernel) Main() string { return k.main }

// Restart clears the module cache and runs the main module on the
// asynchronous shape. It returns the main module's value, or nil when no
// main module exists. Cancelling ctx aborts the main module.
func (k *Kernel) Restart(ctx context.Context) (lua.LValue, error) {
	k.loader.Reset()

	info, err := k.fs.Get(k.main)
	if err != nil || info.Dir {
		kernelLogger.Warn("No main module at %s", k.main)
		return lua.LNil, nil
	}
	src, err := k.fs.ReadFile(k.main)
	if err != nil {
		return lua.LNil, errors.Wrapf(err, "read %s", k.main)
	}

	mod, err := k.loader.Prepare(src, k.main, modules.TrustOf(info.Rights))
	if err != nil {
		return lua.LNil, err
	}

	leave := k.loader.Enter(k.main)
	defer leave()

	kernelLogger.Debug("Running %s", k.main)
	f := mod.Unit.Go(ctx)
	<-f.Done()
	values, err := f.Await(context.Background())
	if err != nil {
		return lua.LNil, err
	}

	v := mod.Result(values)
	k.loader.Store(k.main, v)
	return v, nil
}

// Require loads id as if required from the root directory.
func (k *Kernel) Require(id string) (lua.LValue, error) {
	return k.loader.Require(k.machine.L, id, vfs.Separator)
}
