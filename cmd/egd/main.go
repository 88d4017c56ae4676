package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	ini "gopkg.in/ini.v1"

	"github.com/fpl9000/EGD/cli"
)

var (
	version string
	build   string
)

func buildLogger(level string) (*slog.Logger, *slog.LevelVar) {
	levelVar := &slog.LevelVar{}
	switch strings.ToLower(level) {
	case "trace", "debug":
		levelVar.Set(slog.LevelDebug)
	case "", "info", "notice":
		levelVar.Set(slog.LevelInfo)
	case "warning", "warn":
		levelVar.Set(slog.LevelWarn)
	case "error", "fatal", "panic", "critical":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     levelVar,
	})
	return slog.New(handler), levelVar
}

func main() {
	var pre struct {
		LogLevel   string `long:"log-level"`
		ConfigFile string `long:"config" default:"/etc/egd/config.ini"`
	}
	args := os.Args[1:]
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	_, _ = preParser.ParseArgs(args)

	if pre.LogLevel == "" {
		cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, pre.ConfigFile)
		if err == nil {
			if sec, err := cfg.GetSection("global"); err == nil {
				pre.LogLevel = sec.Key("log-level").String()
			}
		}
	}

	logger, levelVar := buildLogger(pre.LogLevel)

	parser := flags.NewNamedParser("egd", flags.Default|flags.AllowBoolValues)
	_, _ = parser.AddCommand(
		"daemon",
		"run the entropy gathering daemon",
		"",
		&cli.DaemonCommand{Logger: logger, LevelVar: levelVar, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return
		}

		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			parser.WriteHelp(os.Stdout)
			_, _ = fmt.Fprintf(os.Stdout, "\nBuild information\n  commit: %s\n  date:%s\n", version, build)
		}

		logger.Error("command failed to execute")
		return
	}
}
