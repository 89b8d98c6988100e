// Package logging configures the go-log subsystems of the process from a
// single filter string.
//
// Filter rules:
//
//	""                 meshpit subsystems at INFO, everything else at ERROR
//	"DEBUG"            meshpit subsystems at DEBUG
//	"=DEBUG"           every subsystem at DEBUG
//	"meshpit=INFO,pubsub=DEBUG"
//	                   directives applied as given
//
// A directive name matches the subsystem of that name and all subsystems
// below it ("meshpit" matches "meshpit/bridge"). TRACE is accepted and maps
// to DEBUG.
package logging

import (
	"fmt"
	"regexp"
	"strings"

	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// Root is the subsystem prefix of every meshpit logger.
const Root = "meshpit"

// Directive sets the level of a subsystem and its children.
type Directive struct {
	Name  string
	Level golog.LogLevel
}

// Filter is a parsed filter string.
type Filter struct {
	// Default applies to subsystems no directive matches.
	Default    golog.LogLevel
	Directives []Directive
}

// Parse parses a filter string. Invalid directives are skipped and reported
// in ignored. A filter without any valid directive falls back to the
// default filter.
func Parse(filter string) (f Filter, ignored []string) {
	f = Filter{Default: golog.LevelError}
	filter = strings.TrimSpace(filter)

	if all, ok := strings.CutPrefix(filter, "="); ok {
		if level, err := parseLevel(all); err == nil {
			f.Default = level
			return f, nil
		}
		ignored = append(ignored, filter)
		return defaultFilter(), ignored
	}

	if level, err := parseLevel(filter); err == nil {
		f.Directives = []Directive{{Name: Root, Level: level}}
		return f, nil
	}

	valid := false
	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, levelStr, ok := strings.Cut(part, "=")
		if !ok {
			// A bare level inside a list sets the default.
			if level, err := parseLevel(part); err == nil {
				f.Default = level
				valid = true
				continue
			}
			ignored = append(ignored, part)
			continue
		}

		level, err := parseLevel(levelStr)
		if err != nil || strings.TrimSpace(name) == "" {
			ignored = append(ignored, part)
			continue
		}
		f.Directives = append(f.Directives, Directive{Name: strings.TrimSpace(name), Level: level})
		valid = true
	}

	if !valid {
		return defaultFilter(), ignored
	}
	return f, ignored
}

// Setup parses filter and applies it to all go-log subsystems.
func Setup(filter string) (Filter, error) {
	f, ignored := Parse(filter)

	subsystems := make(map[string]golog.LogLevel, len(f.Directives))
	for _, d := range f.Directives {
		subsystems[d.Name] = d.Level
	}

	golog.SetupLogging(golog.Config{
		Format:          golog.ColorizedOutput,
		Stderr:          true,
		Level:           f.Default,
		SubsystemLevels: subsystems,
	})

	for _, d := range f.Directives {
		expr := fmt.Sprintf("^%s(/.*)?$", regexp.QuoteMeta(d.Name))
		if err := golog.SetLogLevelRegex(expr, zapcore.Level(d.Level).String()); err != nil {
			return f, fmt.Errorf("failed to apply log directive %s: %w", d.Name, err)
		}
	}

	if len(ignored) > 0 {
		golog.Logger(Root).Warnw("ignored invalid log filter directives", "directives", ignored)
	}
	return f, nil
}

func defaultFilter() Filter {
	return Filter{
		Default:    golog.LevelError,
		Directives: []Directive{{Name: Root, Level: golog.LevelInfo}},
	}
}

func parseLevel(s string) (golog.LogLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "trace" {
		s = "debug"
	}
	if s == "" {
		return 0, fmt.Errorf("empty level")
	}
	return golog.LevelFromString(s)
}
