// Command sled_shell is an interactive shell over a sled database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Crixalis2013/sled/core/db"
	"github.com/Crixalis2013/sled/pkg/logger"
	"github.com/Crixalis2013/sled/pkg/telemetry"
	"github.com/chzyer/readline"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "yaml config file")
	path := flag.String("path", "", "database directory, overrides the config")
	temporary := flag.Bool("temporary", false, "use a throwaway database")
	logLevel := flag.String("log-level", "", "log level, overrides the config")
	flag.Parse()

	if err := run(*configPath, *path, *temporary, *logLevel, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, path string, temporary bool, logLevel string, args []string) error {
	cfg := db.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = db.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if path != "" {
		cfg = cfg.WithPath(path)
	}
	if temporary {
		cfg = cfg.WithTemporary(true)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		log.Info("serving metrics", zap.String("addr", tel.MetricsAddr))
	}

	d, err := db.Open(cfg.WithLogger(log).WithMeter(tel.Meter).WithTracer(tel.Tracer))
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Error("failed to close database", zap.Error(err))
		}
	}()

	sh := newShell(d, os.Stdout)
	if len(args) > 0 {
		if err := sh.exec(args); err != nil && !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return interactive(sh, filepath.Join(os.TempDir(), ".sled_history"))
}

func interactive(sh *shell, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      sh.prompt(),
		HistoryFile: historyFile,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("put"), readline.PcItem("get"), readline.PcItem("delete"),
			readline.PcItem("scan"), readline.PcItem("len"), readline.PcItem("use"),
			readline.PcItem("trees"), readline.PcItem("flush"), readline.PcItem("compact"), readline.PcItem("checkpoint"),
			readline.PcItem("size"), readline.PcItem("stats"), readline.PcItem("help"),
			readline.PcItem("exit"),
		),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "sled shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(strings.Fields(line)); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintln(rl.Stderr(), "error:", err)
		}
		rl.SetPrompt(sh.prompt())
	}
}
