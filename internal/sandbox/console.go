package sandbox

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"genomevm/internal/logging"
)

// Console receives script output. label names the writer, such as a
// module path or a genome label.
type Console interface {
	Print(label string, level logging.LogLevel, msg string)
}

// LogConsole writes script output through a logger.
type LogConsole struct {
	Logger *logging.Logger
}

// Print implements Console.
func (c LogConsole) Print(label string, level logging.LogLevel, msg string) {
	logger := c.Logger
	if logger == nil {
		logger = consoleLogger
	}
	if label != "" {
		logger.Log(level, "%s: %s", label, msg)
		return
	}
	logger.Log(level, "%s", msg)
}

var consoleLogger = logging.GetLogger().WithPrefix("console")

// ConsoleTable builds a console object for scripts with log, info, warn,
// error and debug methods. Each joins its arguments with spaces.
func (m *Machine) ConsoleTable(label string) *lua.LTable {
	levels := map[string]logging.LogLevel{
		"log":   logging.LevelInfo,
		"info":  logging.LevelInfo,
		"warn":  logging.LevelWarn,
		"error": logging.LevelError,
		"debug": logging.LevelDebug,
	}
	tbl := m.L.CreateTable(0, len(levels))
	for name, level := range levels {
		level := level
		tbl.RawSetString(name, m.L.NewFunction(func(L *lua.LState) int {
			m.console.Print(label, level, joinArgs(L, 1, " "))
			return 0
		}))
	}
	return ReadOnly(m.L, tbl)
}

func (m *Machine) print(L *lua.LState) int {
	m.console.Print("", logging.LevelInfo, joinArgs(L, 1, "\t"))
	return 0
}

func joinArgs(L *lua.LState, from int, sep string) string {
	parts := make([]string, 0, L.GetTop())
	for i := from; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, sep)
}
