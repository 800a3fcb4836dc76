// Package log mirrors the teacher's context/level logging shape (a Context
// enum, per-context verbosity, a global debug override, Info/Warning/Error
// entry points) but backs it with log/slog and an lmittmann/tint handler for
// colorized CLI output instead of a database-table sink: this proxy has no
// instance.log table to write to (see DESIGN.md).
package log

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// Context identifies the subsystem a log line originates from.
type Context int

const (
	ContextProxy Context = iota + 1
	ContextClient
	ContextConnMgr
	ContextDriver
	ContextWebsocket
	ContextAuth
	ContextConfig
)

var contextName = map[Context]string{
	ContextProxy:     "proxy",
	ContextClient:    "client",
	ContextConnMgr:   "connMgr",
	ContextDriver:    "driver",
	ContextWebsocket: "websocket",
	ContextAuth:      "auth",
	ContextConfig:    "config",
}

var (
	mx = sync.RWMutex{}

	debug atomic.Bool

	// log levels: 1 = errors, 2 = errors + warnings, 3 = everything
	contextLevel = map[Context]int{
		ContextProxy:     3,
		ContextClient:    3,
		ContextConnMgr:   3,
		ContextDriver:    3,
		ContextWebsocket: 3,
		ContextAuth:      3,
		ContextConfig:    3,
	}

	logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
)

// SetDebug forces every context through regardless of its configured level.
func SetDebug(state bool) { debug.Store(state) }

// SetLevel changes the verbosity of a single context (1=errors, 2=+warnings,
// 3=+info).
func SetLevel(ctx Context, level int) {
	mx.Lock()
	defer mx.Unlock()
	if _, exists := contextLevel[ctx]; exists {
		contextLevel[ctx] = level
	}
}

func levelActive(ctx Context, level int) bool {
	mx.RLock()
	active, exists := contextLevel[ctx]
	mx.RUnlock()
	if !exists {
		return false
	}
	return debug.Load() || level <= active
}

// Info logs at level 3.
func Info(ctx Context, message string) {
	if !levelActive(ctx, 3) {
		return
	}
	logger.Info(message, "context", contextName[ctx])
}

// Warning logs at level 2, optionally carrying an error.
func Warning(ctx Context, message string, err error) {
	if !levelActive(ctx, 2) {
		return
	}
	if err != nil {
		message = fmt.Sprintf("%s: %s", message, err.Error())
	}
	logger.Warn(message, "context", contextName[ctx])
}

// Error logs at level 1, optionally carrying an error.
func Error(ctx Context, message string, err error) {
	if !levelActive(ctx, 1) {
		return
	}
	if err != nil {
		message = fmt.Sprintf("%s: %s", message, err.Error())
	}
	logger.Error(message, "context", contextName[ctx])
}
