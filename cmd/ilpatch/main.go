package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/ilpatch/cil"
	"github.com/wippyai/ilpatch/patch"
	"github.com/wippyai/ilpatch/transform"
	"github.com/wippyai/ilpatch/vm"
)

func main() {
	var (
		hexCode     = flag.String("hex", "", "Raw IL code as hex bytes (spaces allowed)")
		methodFile  = flag.String("method", "", "Path to a method body with tiny or fat header")
		params      = flag.Int("params", 0, "Number of int32 parameters the method takes")
		locals      = flag.Int("locals", 0, "Number of int32 locals the method declares")
		ret         = flag.String("ret", "int32", "Return type: void, bool, int32, int64, float64, string, object")
		argList     = flag.String("args", "", "Arguments for -run (comma-separated)")
		execute     = flag.Bool("run", false, "Execute the method after listing it")
		demo        = flag.Bool("demo", false, "Weave the example hooks and run them")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		verbose     = flag.Bool("v", false, "Log patch operations to stderr")
	)
	flag.Parse()

	if *verbose {
		log, err := zap.NewDevelopment()
		if err == nil {
			patch.SetLogger(log)
			transform.SetLogger(log)
			vm.SetLogger(log)
			defer func() { _ = log.Sync() }()
		}
	}

	if *hexCode == "" && *methodFile == "" && !*demo {
		fmt.Fprintln(os.Stderr, "Usage: ilpatch -hex \"02 17 58 2A\" [-params n] [-ret type] [-run -args 1,2]")
		fmt.Fprintln(os.Stderr, "       ilpatch -method <file> [-params n] [-locals n] [-ret type] [-run]")
		fmt.Fprintln(os.Stderr, "       ilpatch -demo")
		fmt.Fprintln(os.Stderr, "       ilpatch ... -i  (interactive mode)")
		os.Exit(1)
	}

	var entries []entry
	if *demo {
		entries = scenarioEntries()
	} else {
		body, err := load(*hexCode, *methodFile, *params, *locals, *ret)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		entries = []entry{methodEntry(body)}
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(entries); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(entries, *demo || *execute, *argList); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(entries []entry, execute bool, argList string) error {
	for i, e := range entries {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("== %s\n", e.name)
		if e.about != "" {
			fmt.Println(e.about)
		}
		if !execute {
			fmt.Print(e.listing)
			continue
		}
		args, err := parseArgs(argList, e.params)
		if err != nil {
			return err
		}
		out := e.run(args)
		fmt.Print(out.listing)
		if out.err != nil {
			return fmt.Errorf("run %s: %w", e.name, out.err)
		}
		fmt.Printf("Result: %s\n", out.result)
	}
	return nil
}

var returnTypes = map[string]*cil.TypeRef{
	"void":    cil.Void,
	"bool":    cil.Bool,
	"int32":   cil.Int32,
	"int64":   cil.Int64,
	"float64": cil.Float64,
	"string":  cil.String,
	"object":  cil.Object,
}

var program = &cil.TypeRef{Namespace: "Cli", Name: "Program", Base: cil.Object}

// load decodes the method given on the command line. Parameters and
// locals are int32 since signature blobs are not parsed.
func load(hexCode, methodFile string, params, locals int, ret string) (*cil.MethodBody, error) {
	rt, ok := returnTypes[ret]
	if !ok {
		return nil, fmt.Errorf("unknown return type %q", ret)
	}
	method := &cil.MethodRef{Owner: program, Name: "Main", Return: rt, Static: true}
	for i := range params {
		method.Params = append(method.Params, cil.ParamInfo{Name: fmt.Sprintf("a%d", i), Type: cil.Int32})
	}
	var decls []cil.Local
	for range locals {
		decls = append(decls, cil.Local{Type: cil.Int32})
	}

	tokens := cil.NewTokenTable()
	if hexCode != "" {
		code, err := hex.DecodeString(strings.NewReplacer(" ", "", "\n", "", "\t", "").Replace(hexCode))
		if err != nil {
			return nil, fmt.Errorf("parse hex: %w", err)
		}
		return cil.Decode(&cil.Source{Method: method, Code: code, Locals: decls, InitLocals: true}, tokens)
	}

	data, err := os.ReadFile(methodFile)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	raw, err := cil.ParseMethod(data)
	if err != nil {
		return nil, fmt.Errorf("parse method: %w", err)
	}
	src, err := cil.NewSource(raw, method, decls, tokens)
	if err != nil {
		return nil, fmt.Errorf("prepare method: %w", err)
	}
	return cil.Decode(src, tokens)
}

func parseArgs(list string, n int) ([]vm.Value, error) {
	var fields []string
	if list != "" {
		fields = strings.Split(list, ",")
	}
	if len(fields) != n {
		return nil, fmt.Errorf("method takes %d arguments, got %d", n, len(fields))
	}
	args := make([]vm.Value, n)
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = int32(v)
	}
	return args, nil
}
