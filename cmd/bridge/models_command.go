package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelbridge/bridge/internal/modelsync"
)

func runModels(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printModelsUsage(errOut)
		return 2
	}

	switch args[0] {
	case "list":
		return runModelsList(args[1:], out, errOut)
	case "sync":
		return runModelsSync(args[1:], out, errOut)
	default:
		printModelsUsage(errOut)
		return 2
	}
}

func runModelsList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("models list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	providerName := flagSet.String("provider", "", "Limit the listing to one provider")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "models list does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("models list", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	application, code := newModelsApp(*configPath, errOut)
	if application == nil {
		return code
	}
	defer application.Close()

	names := application.registry.Names()
	if name := strings.ToLower(strings.TrimSpace(*providerName)); name != "" {
		names = []string{name}
	}

	records := make([]modelsync.Record, 0, 32)
	for _, name := range names {
		providerRecords, err := application.syncer.Models(context.Background(), name)
		if err != nil {
			fmt.Fprintf(errOut, "failed to list %s models: %v\n", name, err)
			return 1
		}
		records = append(records, providerRecords...)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Provider != records[j].Provider {
			return records[i].Provider < records[j].Provider
		}
		return records[i].ModelID < records[j].ModelID
	})

	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(records); err != nil {
			fmt.Fprintf(errOut, "failed to write model listing: %v\n", err)
			return 1
		}
		return 0
	}

	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "PROVIDER\tMODEL\tCONTEXT\tOWNED BY\tSYNCED")
	for _, record := range records {
		synced := ""
		if !record.SyncedAt.IsZero() {
			synced = record.SyncedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\t%s\n",
			record.Provider, record.ModelID, record.ContextLength, record.OwnedBy, synced)
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write model listing: %v\n", err)
		return 1
	}
	return 0
}

func runModelsSync(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("models sync", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	providerName := flagSet.String("provider", "", "Sync only one provider")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "models sync does not accept positional arguments")
		return 2
	}

	application, code := newModelsApp(*configPath, errOut)
	if application == nil {
		return code
	}
	defer application.Close()

	if name := strings.ToLower(strings.TrimSpace(*providerName)); name != "" {
		count, err := application.syncer.Sync(context.Background(), name)
		if err != nil {
			fmt.Fprintf(errOut, "failed to sync %s models: %v\n", name, err)
			return 1
		}
		fmt.Fprintf(out, "%s: synced %d models\n", name, count)
		return 0
	}

	counts, err := application.syncer.SyncAll(context.Background())
	for _, name := range sortedKeys(counts) {
		fmt.Fprintf(out, "%s: synced %d models\n", name, counts[name])
	}
	if err != nil {
		fmt.Fprintf(errOut, "model sync finished with errors: %v\n", err)
		return 1
	}
	return 0
}

func newModelsApp(configPath string, errOut io.Writer) (*app, int) {
	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return nil, 1
	}

	application, err := newApp(context.Background(), cfg, newCommandLogger(errOut))
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize: %v\n", err)
		return nil, 1
	}
	return application, 0
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func printModelsUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  bridge models list [--config path/to/bridge.yaml] [--provider NAME] [--format text|json]")
	fmt.Fprintln(out, "  bridge models sync [--config path/to/bridge.yaml] [--provider NAME]")
}
