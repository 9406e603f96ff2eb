// Package log is a small leveled key=value logger over the stdlib
// logger. It keeps log call sites uniform across the daemon without
// pulling in a logging framework.
package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string onto a Level; unknown values fall
// back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	mu     sync.Mutex
	out    = stdlog.New(os.Stderr, "", stdlog.LstdFlags|stdlog.Lmicroseconds)
	minLvl = LevelInfo
)

// SetLevel sets the minimum level that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	minLvl = l
	mu.Unlock()
}

func Debug(msg string, kv ...any) { emit(LevelDebug, msg, kv) }

func Info(msg string, kv ...any) { emit(LevelInfo, msg, kv) }

// Error logs msg with err prepended as the first key-value pair.
func Error(msg string, err error, kv ...any) {
	emit(LevelError, msg, append([]any{"err", err}, kv...))
}

func emit(l Level, msg string, kv []any) {
	mu.Lock()
	enabled := l >= minLvl
	mu.Unlock()
	if !enabled {
		return
	}

	var b strings.Builder
	b.WriteString("[" + l.String() + "] " + msg)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		b.WriteString(" " + key + "=" + fmt.Sprint(kv[i+1]))
	}
	out.Println(b.String())
}
