package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
			os.Exit(2)
		}
		log.Fatalf("%v", err)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `busmaster %s (built %s) [--config <busmaster.yaml>] <command> [options]

Commands:
  inspect   --in <file.mf4> [--messages <n>] [--progress]
  export    --in <file.mf4> --out <file|-> [--format ndjson|cbor|pcap]
  report    --in <file.mf4> [--out <report.pdf>] [--json <summary.json>] [--lang en|de]
  replay    --in <file.mf4> [--iface <vcan0> | --stdout] [--speed <factor>] [--channel <n>]
  generate  --out <dir> [--compress]
  project   [--file <project.yaml>] <show|run>
`, version, buildDate)
}

func run(args []string, stdout io.Writer) error {
	global := flag.NewFlagSet("busmaster", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	configPath := global.String("config", "", "tool configuration (YAML)")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	cmdArgs := rest[1:]
	switch rest[0] {
	case "inspect":
		return inspectCmd(cfg, cmdArgs, stdout)
	case "export":
		return exportCmd(cfg, cmdArgs, stdout)
	case "report":
		return reportCmd(cfg, cmdArgs, stdout)
	case "replay":
		return replayCmd(cfg, cmdArgs, stdout)
	case "generate":
		return generateCmd(cmdArgs, stdout)
	case "project":
		return projectCmd(cfg, cmdArgs, stdout)
	case "version":
		fmt.Fprintf(stdout, "busmaster %s (built %s)\n", version, buildDate)
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
}
