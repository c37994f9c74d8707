package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gogpu/gg"
)

// AsynqLogger routes asynq's server logs through a Logger.
type AsynqLogger struct {
	L *Logger
}

func (a AsynqLogger) Debug(args ...interface{}) { a.L.Debug(fmt.Sprint(args...)) }
func (a AsynqLogger) Info(args ...interface{})  { a.L.Info(fmt.Sprint(args...)) }
func (a AsynqLogger) Warn(args ...interface{})  { a.L.Warn(fmt.Sprint(args...)) }
func (a AsynqLogger) Error(args ...interface{}) { a.L.Error(fmt.Sprint(args...)) }

// Fatal logs at error level and exits.
func (a AsynqLogger) Fatal(args ...interface{}) {
	a.L.Error(fmt.Sprint(args...))
	os.Exit(1)
}

// ConfigureRenderer points the rasterizer's internal logger at stderr
// when debug logging is on. gg is silent otherwise.
func ConfigureRenderer() {
	if !Enabled(LevelDebug) {
		return
	}
	gg.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}
