package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelbridge/bridge/internal/config"
	"github.com/modelbridge/bridge/internal/health"
	"github.com/modelbridge/bridge/internal/observability"
)

const defaultDoctorFormat = "text"

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")
	probe := flagSet.Bool("probe", false, "Probe configured providers over the network")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath), *probe, errOut)
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string, probe bool, errOut io.Writer) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 4),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary := "failed to load config"
		reason := "skipped: config failed to load"
		if stage == configStageValidate {
			summary = "config is invalid"
			reason = "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("storage", reason),
			doctorSkippedCheck("providers", reason),
			doctorSkippedCheck("budgets", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorStorageCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorProviderCheck(cfg, probe, errOut))
	doc.Checks = append(doc.Checks, runDoctorBudgetCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

func runDoctorStorageCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "storage"}
	db, err := openStorage(cfg)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to initialize storage"
		check.Details = []string{err.Error()}
		return check
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "storage connectivity check failed"
		check.Details = []string{err.Error()}
		if closeErr := db.Close(); closeErr != nil {
			check.Details = append(check.Details, fmt.Sprintf("close storage: %v", closeErr))
		}
		return check
	}

	check.Status = doctorStatusPass
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		path := strings.TrimSpace(cfg.Storage.Path)
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		check.Summary = "connected to sqlite storage"
		check.Details = []string{fmt.Sprintf("path: %s", path)}
	case "postgres":
		check.Summary = "connected to postgres storage"
	default:
		check.Summary = "connected to storage"
	}
	if closeErr := db.Close(); closeErr != nil {
		check.Status = doctorStatusWarn
		check.Summary = "storage connectivity succeeded with close warning"
		check.Details = append(check.Details, fmt.Sprintf("close storage: %v", closeErr))
	}
	return check
}

func runDoctorProviderCheck(cfg config.Config, probe bool, errOut io.Writer) doctorCheck {
	check := doctorCheck{Name: "providers"}

	logger := newCommandLogger(errOut)
	registry := buildRegistry(cfg, &observability.Runtime{}, logger)
	names := registry.Names()
	if len(names) == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "no providers are configured"
		check.Details = []string{"set an api_key under providers.openai, providers.xai, or providers.anthropic"}
		return check
	}

	if !probe {
		check.Status = doctorStatusPass
		check.Summary = "provider credentials are configured"
		check.Details = []string{
			fmt.Sprintf("configured providers: %s", strings.Join(names, ", ")),
			"run with --probe to verify connectivity",
		}
		return check
	}

	checker := health.NewChecker(logger)
	results := checker.CheckAll(context.Background(), registry)
	return gradeProviderProbes(names, results)
}

func gradeProviderProbes(names []string, results map[string]health.Result) doctorCheck {
	check := doctorCheck{Name: "providers"}
	failed := 0
	degraded := 0
	for _, name := range names {
		result := results[name]
		check.Details = append(check.Details, fmt.Sprintf(
			"%s: %s (%dms)%s",
			name, result.Status, result.Latency.Milliseconds(), detailSuffix(result.Message),
		))
		switch result.Status {
		case health.StatusUnhealthy:
			failed++
		case health.StatusDegraded, health.StatusUnknown:
			degraded++
		}
	}

	switch {
	case failed > 0:
		check.Status = doctorStatusFail
		check.Summary = fmt.Sprintf("%d of %d providers failed the health probe", failed, len(names))
	case degraded > 0:
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("%d of %d providers are degraded", degraded, len(names))
	default:
		check.Status = doctorStatusPass
		check.Summary = "all configured providers are healthy"
	}
	return check
}

func detailSuffix(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return ""
	}
	return ": " + message
}

func runDoctorBudgetCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "budgets"}

	globalActive := policyActive(cfg.Budgets.Global)
	activeOverrides := make([]string, 0, len(cfg.Budgets.PerProvider))
	for name, policy := range cfg.Budgets.PerProvider {
		if policyActive(policy) {
			activeOverrides = append(activeOverrides, name)
		}
	}
	sort.Strings(activeOverrides)

	if !globalActive && len(activeOverrides) == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "no budgets are configured"
		check.Details = []string{"spend is recorded to the ledger but never blocked"}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "budget enforcement is configured"
	if globalActive {
		check.Details = append(check.Details, describePolicy("global", cfg.Budgets.Global))
	}
	for _, name := range activeOverrides {
		check.Details = append(check.Details, describePolicy(name, cfg.Budgets.PerProvider[name]))
	}
	return check
}

func policyActive(policy config.BudgetPolicyConfig) bool {
	return policy.RequestsPerMinute > 0 || policy.MaxTokensPerDay > 0 || policy.MaxCostPerDay > 0
}

func describePolicy(scope string, policy config.BudgetPolicyConfig) string {
	parts := make([]string, 0, 3)
	if policy.RequestsPerMinute > 0 {
		parts = append(parts, fmt.Sprintf("%d req/min", policy.RequestsPerMinute))
	}
	if policy.MaxTokensPerDay > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens/day", policy.MaxTokensPerDay))
	}
	if policy.MaxCostPerDay > 0 {
		parts = append(parts, fmt.Sprintf("$%.2f/day", policy.MaxCostPerDay))
	}
	if len(parts) == 0 {
		parts = append(parts, "no ceilings set")
	}
	return fmt.Sprintf("%s: %s", scope, strings.Join(parts, ", "))
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "ModelBridge Doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
