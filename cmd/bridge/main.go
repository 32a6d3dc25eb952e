package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/modelbridge/bridge/internal/version"
)

const defaultConfigPath = "bridge.yaml"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "chat":
		return runChat(args[1:], os.Stdout, os.Stderr)
	case "models":
		return runModels(args[1:], os.Stdout, os.Stderr)
	case "estimate":
		return runEstimate(args[1:], os.Stdout, os.Stderr)
	case "doctor":
		return runDoctor(args[1:], os.Stdout, os.Stderr)
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  bridge chat [--config path/to/bridge.yaml] [--provider NAME] [--model NAME] [--system TEXT] [--max-tokens N] [--temperature F] [--stream] [--tools] <prompt>")
	fmt.Fprintln(out, "  bridge models list [--config path/to/bridge.yaml] [--provider NAME] [--format text|json]")
	fmt.Fprintln(out, "  bridge models sync [--config path/to/bridge.yaml] [--provider NAME]")
	fmt.Fprintln(out, "  bridge estimate [--config path/to/bridge.yaml] [--provider NAME] [--model NAME] [--format text|json] <text>")
	fmt.Fprintln(out, "  bridge doctor [--config path/to/bridge.yaml] [--format text|json] [--probe]")
	fmt.Fprintln(out, "  bridge config validate [--config path/to/bridge.yaml]")
	fmt.Fprintln(out, "  bridge version")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  bridge config validate [--config path/to/bridge.yaml]")
}
