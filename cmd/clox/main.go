package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/dcechano/clox"
	"github.com/dcechano/clox/internal/config"
)

const (
	appName     = "clox"
	version     = "0.1.0"
	historyFile = ".clox_history"
	promptMain  = "> "
	promptCont  = ". "
)

// Exit codes follow sysexits.h.
const (
	exitOK      = 0
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
	exitIO      = 74
)

var stderr = termenv.NewOutput(os.Stderr)

func red(s string) string {
	return stderr.String(s).Foreground(termenv.ANSIRed).String()
}

func yellow(s string) string {
	return stderr.String(s).Foreground(termenv.ANSIYellow).String()
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "repl":
		os.Exit(cmdRepl(os.Args[2:]))
	case "build":
		os.Exit(cmdBuild(os.Args[2:]))
	case "disasm":
		os.Exit(cmdDisasm(os.Args[2:]))
	case "version":
		fmt.Println(version)
		return
	case "-h", "--help", "help":
		usage()
		return
	default:
		// clox <file> behaves like clox run <file>.
		if _, err := os.Stat(cmd); err == nil {
			os.Exit(cmdRun(os.Args[1:]))
		}
		fmt.Fprintln(os.Stderr, red("unknown command: "+cmd))
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s run [flags] <file>        run a source file or bytecode image
  %[1]s repl [flags]              start an interactive session
  %[1]s build <file> [-o out]     compile a source file to a bytecode image
  %[1]s disasm [flags] <file>     print the bytecode of a source file or image
  %[1]s version                   print the version

Common flags:
  -config path     read settings from path instead of the nearest %[2]s
  -log-level lvl   override the configured log level
  -trace           trace every instruction
  -print-code      disassemble functions as they compile
  -stress-gc       collect on every allocation
  -stats           print heap statistics on exit
`, appName, config.FileName)
}

type commonFlags struct {
	configPath string
	logLevel   string
	trace      bool
	printCode  bool
	stress     bool
	stats      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVar(&c.trace, "trace", false, "trace every instruction")
	fs.BoolVar(&c.printCode, "print-code", false, "disassemble functions as they compile")
	fs.BoolVar(&c.stress, "stress-gc", false, "collect on every allocation")
	fs.BoolVar(&c.stats, "stats", false, "print heap statistics on exit")
}

// parseArgs accepts flags both before and after the positional file.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	var positional []string
	for fs.NArg() > 0 {
		positional = append(positional, fs.Arg(0))
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return nil, err
		}
	}
	return positional, nil
}

func loadConfig(flags *commonFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.FindAndLoad(".")
		if errors.Is(err, config.ErrNotFound) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	cfg.Debug.Trace = cfg.Debug.Trace || flags.trace
	cfg.Debug.PrintCode = cfg.Debug.PrintCode || flags.printCode
	cfg.GC.Stress = cfg.GC.Stress || flags.stress
	return cfg, cfg.Validate()
}

func newVM(flags *commonFlags) (*clox.VM, zerolog.Logger, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if cfg.Path != "" {
		logger.Debug().Str("path", cfg.Path).Msg("loaded config")
	}
	vm := clox.NewVM(
		clox.WithConfig(cfg),
		clox.WithLogger(logger),
		clox.WithStdout(os.Stdout),
		clox.WithStderr(colorWriter{os.Stderr}),
	)
	return vm, logger, nil
}

// colorWriter paints diagnostics red when stderr is a terminal.
type colorWriter struct {
	w io.Writer
}

func (c colorWriter) Write(p []byte) (int, error) {
	if stderr.Profile == termenv.Ascii {
		return c.w.Write(p)
	}
	if _, err := io.WriteString(c.w, red(strings.TrimSuffix(string(p), "\n"))+"\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// exitCode maps an interpreter error to its process exit status.
func exitCode(err error) int {
	var cerr *clox.CompileError
	var rerr *clox.RuntimeError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cerr):
		return exitCompile
	case errors.As(err, &rerr):
		return exitRuntime
	default:
		return exitIO
	}
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var flags commonFlags
	flags.register(fs)
	files, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(files) != 1 {
		fmt.Fprintln(os.Stderr, red("run: expected exactly one file"))
		return exitUsage
	}

	vm, logger, err := newVM(&flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitUsage
	}
	defer vm.Close()

	fn, err := vm.LoadFile(files[0])
	if err != nil {
		// Compile diagnostics were already written by the VM.
		var cerr *clox.CompileError
		if !errors.As(err, &cerr) {
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
		return exitCode(err)
	}
	err = vm.Run(fn)
	if flags.stats {
		if s, serr := vm.Stats(); serr == nil {
			fmt.Fprintln(os.Stderr, yellow(s.String()))
		}
	}
	logger.Debug().Str("file", files[0]).Err(err).Msg("run finished")
	return exitCode(err)
}

func cmdBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	var flags commonFlags
	flags.register(fs)
	out := fs.String("o", "", "output image path (default: <file>c)")
	files, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(files) != 1 {
		fmt.Fprintln(os.Stderr, red("build: expected exactly one file"))
		return exitUsage
	}
	target := *out
	if target == "" {
		target = files[0] + "c"
	}

	vm, _, err := newVM(&flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitUsage
	}
	defer vm.Close()

	fn, err := vm.LoadFile(files[0])
	if err != nil {
		var cerr *clox.CompileError
		if !errors.As(err, &cerr) {
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
		return exitCode(err)
	}
	f, err := os.Create(target)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitIO
	}
	if err := vm.WriteImage(f, fn); err != nil {
		_ = f.Close()
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitIO
	}
	if err := f.Close(); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitIO
	}
	return exitOK
}

func cmdDisasm(args []string) int {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	var flags commonFlags
	flags.register(fs)
	files, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(files) != 1 {
		fmt.Fprintln(os.Stderr, red("disasm: expected exactly one file"))
		return exitUsage
	}
	vm, _, err := newVM(&flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitUsage
	}
	defer vm.Close()

	fn, err := vm.LoadFile(files[0])
	if err != nil {
		var cerr *clox.CompileError
		if !errors.As(err, &cerr) {
			fmt.Fprintln(os.Stderr, red(err.Error()))
		}
		return exitCode(err)
	}
	if err := vm.Disassemble(os.Stdout, fn); err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitIO
	}
	return exitOK
}

// -----------------------------------------------------------------------------
// repl
// -----------------------------------------------------------------------------

func cmdRepl(args []string) int {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	var flags commonFlags
	flags.register(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return exitUsage
	}
	vm, _, err := newVM(&flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, red(err.Error()))
		return exitUsage
	}
	defer vm.Close()

	fmt.Printf("clox %s\nCtrl+C cancels input, Ctrl+D exits. Type :quit to exit.\n", version)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	for {
		code, ok := readStatement(ln)
		if !ok {
			fmt.Println()
			break
		}
		trimmed := strings.TrimSpace(code)
		switch {
		case trimmed == "":
			continue
		case trimmed == ":quit":
			return exitOK
		case trimmed == ":stats":
			s, err := vm.Stats()
			if err != nil {
				fmt.Fprintln(os.Stderr, red(err.Error()))
				continue
			}
			fmt.Println(s.String())
			continue
		case trimmed == ":globals":
			if err := vm.Disassemble(os.Stdout, nil); err != nil {
				fmt.Fprintln(os.Stderr, red(err.Error()))
			}
			continue
		case strings.HasPrefix(trimmed, ":"):
			fmt.Println("unknown command. Try :quit, :stats or :globals.")
			continue
		}
		// Errors are reported by the VM; globals survive them.
		_ = vm.Interpret(code)
		ln.AppendHistory(strings.ReplaceAll(code, "\n", " "))
	}
	return exitOK
}

// readStatement keeps prompting while braces or parentheses are unbalanced.
func readStatement(ln *liner.State) (string, bool) {
	var b strings.Builder
	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", true
		}
		if err != nil {
			return "", false
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if depth(b.String()) <= 0 {
			return b.String(), true
		}
	}
}

// depth counts unclosed '{' and '(' outside string literals and comments.
func depth(src string) int {
	n := 0
	inStr := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inStr {
			if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				for i < len(src) && src[i] != '\n' {
					i++
				}
			}
		case '{', '(':
			n++
		case '}', ')':
			n--
		}
	}
	return n
}
