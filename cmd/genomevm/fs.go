package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"genomevm/internal/vfs"
)

var elevatedFlag = &cli.BoolFlag{
	Name:  "elevated",
	Usage: "Override root-only-write protection",
}

var fsCmd = &cli.Command{
	Name:  "fs",
	Usage: "Inspects and edits the virtual filesystem in the state file",
	Subcommands: []*cli.Command{
		{
			Name:      "ls",
			Usage:     "Lists a directory",
			ArgsUsage: "[PATH]",
			Action:    withTree(false, fsLs),
		},
		{
			Name:      "cat",
			Usage:     "Prints a file",
			ArgsUsage: "PATH",
			Action:    withTree(false, fsCat),
		},
		{
			Name:      "write",
			Usage:     "Writes a file from the argument or from stdin",
			ArgsUsage: "PATH [CONTENT]",
			Flags:     []cli.Flag{elevatedFlag},
			Action:    withTree(true, fsWrite),
		},
		{
			Name:      "mkdir",
			Usage:     "Creates a directory",
			ArgsUsage: "PATH",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "Create missing parents"},
			},
			Action: withTree(true, fsMkdir),
		},
		{
			Name:      "rm",
			Usage:     "Removes a file or an empty directory",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{elevatedFlag},
			Action:    withTree(true, fsRm),
		},
		{
			Name:      "mv",
			Usage:     "Renames a file or directory",
			ArgsUsage: "FROM TO",
			Flags:     []cli.Flag{elevatedFlag},
			Action:    withTree(true, fsMv),
		},
		{
			Name:      "glob",
			Usage:     "Lists the files matching a doublestar pattern",
			ArgsUsage: "PATTERN",
			Action:    withTree(false, fsGlob),
		},
		{
			Name:      "rights",
			Usage:     "Shows or changes the rights of a file",
			ArgsUsage: "PATH",
			Flags: []cli.Flag{
				elevatedFlag,
				&cli.BoolFlag{Name: "native", Usage: "Run the file without insulation"},
				&cli.BoolFlag{Name: "root-only", Usage: "Only allow elevated writes"},
			},
			Action: withTree(true, fsRights),
		},
		{
			Name:      "import",
			Usage:     "Copies the text files of a host directory into the tree",
			ArgsUsage: "HOSTDIR [DEST]",
			Flags:     []cli.Flag{elevatedFlag},
			Action:    withTree(true, fsImport),
		},
	},
}

// withTree loads the tree for action and, when mutates is set, saves it
// after a successful action.
func withTree(mutates bool, action func(c *cli.Context, t *tree) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		t, err := openTree(c)
		if err != nil {
			return err
		}
		if err := action(c, t); err != nil {
			return err
		}
		if !mutates {
			return nil
		}
		return t.save()
	}
}

func requireArgs(c *cli.Context, n int) error {
	if c.Args().Len() < n {
		return errors.Errorf("%s needs %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func writeOptions(c *cli.Context) vfs.WriteOptions {
	return vfs.WriteOptions{Elevated: c.Bool("elevated")}
}

func rightsString(info vfs.Info) string {
	b := []byte("---")
	if info.Dir {
		b[0] = 'd'
	}
	if info.Rights.Native {
		b[1] = 'n'
	}
	if info.Rights.RootOnlyWrite {
		b[2] = 'r'
	}
	return string(b)
}

func fsLs(c *cli.Context, t *tree) error {
	dir := vfs.Separator
	if c.Args().Present() {
		dir = c.Args().First()
	}
	names, err := t.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		p, err := vfs.Resolve("./"+name, dir)
		if err != nil {
			return err
		}
		info, err := t.fs.Get(p)
		if err != nil {
			return err
		}
		suffix := ""
		if info.Dir {
			suffix = vfs.Separator
		}
		fmt.Fprintf(c.App.Writer, "%s %8d %s%s\n", rightsString(info), info.Size, name, suffix)
	}
	return nil
}

func fsCat(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	data, err := t.fs.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.App.Writer, data)
	return err
}

func fsWrite(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	var data string
	if c.Args().Len() > 1 {
		data = c.Args().Get(1)
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "couldn't read stdin")
		}
		data = string(b)
	}
	return t.fs.WriteFile(c.Args().First(), data, writeOptions(c))
}

func fsMkdir(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	if c.Bool("parents") {
		return t.fs.MkdirAll(c.Args().First())
	}
	return t.fs.MakeDir(c.Args().First())
}

func fsRm(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return t.fs.Remove(c.Args().First(), writeOptions(c))
}

func fsMv(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return t.fs.Rename(c.Args().Get(0), c.Args().Get(1), writeOptions(c))
}

func fsGlob(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	matches, err := t.fs.Glob(c.Args().First())
	if err != nil {
		return err
	}
	for _, m := range matches {
		fmt.Fprintln(c.App.Writer, m)
	}
	return nil
}

func fsRights(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	p := c.Args().First()
	rights, err := t.fs.Rights(p)
	if err != nil {
		return err
	}

	if c.IsSet("native") || c.IsSet("root-only") {
		if rights.RootOnlyWrite && !c.Bool("elevated") {
			return vfs.NewFSError("rights", p, vfs.ErrPermissionDenied)
		}
		if c.IsSet("native") {
			rights.Native = c.Bool("native")
		}
		if c.IsSet("root-only") {
			rights.RootOnlyWrite = c.Bool("root-only")
		}
		data, err := t.fs.ReadFile(p)
		if err != nil {
			return err
		}
		if err := t.fs.Install(p, data, rights); err != nil {
			return err
		}
	}

	fmt.Fprintf(c.App.Writer, "native=%v root_only_write=%v\n", rights.Native, rights.RootOnlyWrite)
	return nil
}

// isText reports whether data can be stored in the tree: valid UTF-8 that
// no known binary signature matches.
func isText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return false
	}
	return utf8.Valid(data)
}

func fsImport(c *cli.Context, t *tree) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	hostDir := c.Args().First()
	dest := vfs.Separator
	if c.Args().Len() > 1 {
		dest = c.Args().Get(1)
	}
	opts := writeOptions(c)

	var imported, skipped int
	err := filepath.WalkDir(hostDir, func(hostPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostDir, hostPath)
		if err != nil {
			return err
		}
		if rel == "." {
			return t.fs.MkdirAll(dest)
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target, err := vfs.Resolve("./"+filepath.ToSlash(rel), dest)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return t.fs.MkdirAll(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return errors.Wrapf(err, "couldn't read %s", hostPath)
		}
		if !isText(data) {
			logger.Warn("Skipping binary file %s", hostPath)
			skipped++
			return nil
		}
		if err := t.fs.WriteFile(target, string(data), opts); err != nil {
			return err
		}
		imported++
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "couldn't import %s", hostDir)
	}
	fmt.Fprintf(c.App.Writer, "imported %d files, skipped %d binary files\n", imported, skipped)
	return nil
}
