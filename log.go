// Copyright (c) 2024, Cogent Core. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gpusched

import (
	"fmt"
	"log/slog"

	"github.com/muesli/termenv"
)

// logger is the package-level structured logger. Override with SetLogger.
var logger = slog.Default()

// SetLogger overrides the logger gpusched uses for diagnostic output
// (debug messages for queue selection in Registry.MakeDevice and device
// teardown in Registry.Destroy). Grounded on base/logx's pattern of a package-level,
// overridable slog.Logger rather than a global singleton constructed via
// init().
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	logger = l
}

// UseColor controls whether LevelColor applies terminal color. On by
// default; turned off automatically when stdout is not a terminal.
var UseColor = termenv.DefaultOutput().Profile != termenv.Ascii

var colorProfile = termenv.ColorProfile()

// LevelColor applies a color associated with the given slog level to str,
// following base/logx/color.go's ApplyColor/LevelColor pattern but with a
// fixed ANSI palette rather than the full cogentcore color-scheme machinery
// (out of scope for a headless scheduler library).
func LevelColor(level slog.Level, str string) string {
	if !UseColor {
		return str
	}
	var c termenv.Color
	switch {
	case level >= slog.LevelError:
		c = colorProfile.Color("9") // red
	case level >= slog.LevelWarn:
		c = colorProfile.Color("11") // yellow
	case level >= slog.LevelInfo:
		return str
	default:
		c = colorProfile.Color("14") // cyan, debug
	}
	return termenv.String(str).Foreground(c).String()
}

func logDebugf(format string, args ...any) {
	logger.Debug(LevelColor(slog.LevelDebug, fmt.Sprintf(format, args...)))
}
