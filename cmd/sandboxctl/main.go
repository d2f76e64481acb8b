// Command sandboxctl inspects compiled modules and checks them against
// sandbox resource limits.
//
//	sandboxctl [-config file] [-log-level level] inspect [-format text|yaml|json] [-base addr] <module>
//	sandboxctl [-config file] validate <module>
//	sandboxctl [-config file] lookup [-base addr] <module> <addr>...
//	sandboxctl [-config file] -i [-base addr] <module>
//
// Modules are ELF shared objects from the ahead-of-time compiler or core
// wasm binaries.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/term"

	sandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/fault"
	"github.com/wippyai/wasm-sandbox/module"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitRejected = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: sandboxctl [-config file] [-log-level level] <command> [flags] <module>")
	fmt.Fprintln(w, "       sandboxctl inspect [-format text|yaml|json] [-base addr] <module>")
	fmt.Fprintln(w, "       sandboxctl validate <module>")
	fmt.Fprintln(w, "       sandboxctl lookup [-base addr] <module> <addr>...")
	fmt.Fprintln(w, "       sandboxctl -i [-base addr] <module>  (interactive mode)")
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sandboxctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "Path to configuration file")
		logLevel    = fs.String("log-level", "", "Log level, overrides the configuration (debug, info, warn, error)")
		interactive = fs.Bool("i", false, "Interactive mode with TUI")
		base        = fs.String("base", "0", "Load address of a shared object (interactive mode)")
		version     = fs.Bool("version", false, "Print the version and exit")
	)
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *version {
		fmt.Fprintln(stdout, "sandboxctl", sandbox.Version)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer logger.Sync()
	module.SetLogger(logger)
	fault.SetLogger(logger)

	rest := fs.Args()
	ctx := context.Background()

	if *interactive {
		if len(rest) != 1 {
			usage(stderr)
			return exitUsage
		}
		addr, err := parseAddr(*base)
		if err != nil {
			fmt.Fprintf(stderr, "Error: -base: %v\n", err)
			return exitUsage
		}
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(stderr, "Error: interactive mode needs a terminal")
			return exitError
		}
		if err := runInteractive(ctx, rest[0], cfg, addr); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		return exitOK
	}

	if len(rest) == 0 {
		usage(stderr)
		return exitUsage
	}

	logger.Debug("running command",
		zap.String("command", rest[0]),
		zap.Strings("args", rest[1:]),
		zap.Stringer("limits", cfg.Limits))

	switch rest[0] {
	case "inspect":
		return inspect(ctx, rest[1:], cfg, stdout, stderr)
	case "validate":
		return validate(ctx, rest[1:], cfg, stdout, stderr)
	case "lookup":
		return lookup(ctx, rest[1:], cfg, stdout, stderr)
	}
	fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
	usage(stderr)
	return exitUsage
}

func inspect(ctx context.Context, args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "Output format (text, yaml, json)")
	base := fs.String("base", "0", "Load address of a shared object")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		usage(stderr)
		return exitUsage
	}
	addr, err := parseAddr(*base)
	if err != nil {
		fmt.Fprintf(stderr, "Error: -base: %v\n", err)
		return exitUsage
	}

	m, err := openModule(ctx, fs.Arg(0), cfg, addr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer m.Close()

	s, err := newSummary(m)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if err := s.write(stdout, *format); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func validate(ctx context.Context, args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		usage(stderr)
		return exitUsage
	}

	m, err := openModule(ctx, args[0], cfg, 0)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer m.Close()

	if err := module.ValidateRuntimeSpec(m, &cfg.Limits); err != nil {
		fmt.Fprintf(stdout, "%s: rejected: %v\n", args[0], err)
		if errors.IsIncorrectModule(err) || errors.IsLimitsExceeded(err) {
			return exitRejected
		}
		return exitError
	}
	fmt.Fprintf(stdout, "%s: ok (%s)\n", args[0], cfg.Limits)
	return exitOK
}

func lookup(ctx context.Context, args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	base := fs.String("base", "0", "Load address of a shared object")
	if err := fs.Parse(args); err != nil || fs.NArg() < 2 {
		usage(stderr)
		return exitUsage
	}
	baseAddr, err := parseAddr(*base)
	if err != nil {
		fmt.Fprintf(stderr, "Error: -base: %v\n", err)
		return exitUsage
	}

	addrs := make([]uint64, fs.NArg()-1)
	for i, s := range fs.Args()[1:] {
		if addrs[i], err = parseAddr(s); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
	}

	m, err := openModule(ctx, fs.Arg(0), cfg, baseAddr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer m.Close()

	for _, addr := range addrs {
		fmt.Fprintln(stdout, fault.Classify(m, uintptr(addr)))
	}
	return exitOK
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return v, nil
}
