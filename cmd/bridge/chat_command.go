package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/modelbridge/bridge/internal/ledger"
	"github.com/modelbridge/bridge/internal/mcp"
	"github.com/modelbridge/bridge/internal/provider"
)

// maxToolRounds caps how many times one chat invocation will follow the
// model's tool calls before giving up.
const maxToolRounds = 4

func runChat(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("chat", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	providerName := flagSet.String("provider", "openai", "Provider to call: openai, xai, or anthropic")
	model := flagSet.String("model", "", "Model override (defaults to config, then the provider default)")
	system := flagSet.String("system", "", "Optional system prompt")
	maxTokens := flagSet.Int("max-tokens", 0, "Completion token ceiling (0 leaves the provider default)")
	temperature := flagSet.Float64("temperature", -1, "Sampling temperature (negative leaves the provider default)")
	stream := flagSet.Bool("stream", false, "Stream the response as it arrives")
	useTools := flagSet.Bool("tools", false, "Expose the built-in tools and run the calls the model requests")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(errOut, "chat requires a prompt: bridge chat [flags] <prompt>")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := newCommandLogger(errOut)
	application, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize: %v\n", err)
		return 1
	}
	defer application.Close()

	name := strings.ToLower(strings.TrimSpace(*providerName))
	driver, ok := application.registry.Get(name)
	if !ok {
		fmt.Fprintf(errOut, "provider %q is not configured (configured: %s)\n", name, strings.Join(application.registry.Names(), ", "))
		return 1
	}

	if result, err := application.enforcer.Check(context.Background(), name); err != nil {
		fmt.Fprintf(errOut, "budget check failed: %v\n", err)
		return 1
	} else if result != nil {
		fmt.Fprintf(errOut, "request blocked by budget (%s): %s\n", result.Code, result.Message)
		if result.RetryAfterSeconds > 0 {
			fmt.Fprintf(errOut, "retry after %d seconds\n", result.RetryAfterSeconds)
		}
		return 1
	}

	messages := make([]provider.Message, 0, 2)
	if strings.TrimSpace(*system) != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: *system})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	opts := provider.Options{}
	if resolved := nonEmpty(strings.TrimSpace(*model), defaultModelFor(cfg, name)); resolved != "" {
		opts[provider.OptModel] = resolved
	}
	if *maxTokens > 0 {
		opts[provider.OptMaxTokens] = *maxTokens
	}
	if *temperature >= 0 {
		opts[provider.OptTemperature] = *temperature
	}

	var toolset mcp.Toolset
	if *useTools {
		toolset = builtinToolset()
		opts, err = mcp.WithTools(context.Background(), toolset, opts)
		if err != nil {
			fmt.Fprintf(errOut, "failed to prepare tools: %v\n", err)
			return 1
		}
	}

	totalIn, totalOut := 0, 0
	totalCost := 0.0
	pricingAvailable := false

	for round := 0; ; round++ {
		var resp *provider.Response
		start := time.Now()
		if *stream {
			resp, err = streamChat(context.Background(), driver, messages, opts, out)
		} else {
			resp, err = driver.Send(context.Background(), messages, opts)
			if err == nil && resp.Content != "" {
				fmt.Fprintln(out, resp.Content)
			}
		}
		if err != nil {
			application.otel.RecordRequest(name, opts.Model(""), "error", 0, 0, 0)
			fmt.Fprintf(errOut, "%s call failed: %v\n", name, err)
			return 1
		}
		if resp.Latency == 0 {
			resp.Latency = time.Since(start)
		}

		application.otel.RecordRequest(name, resp.Model, "ok", resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Cost.TotalCost)
		record := ledger.FromResponse(name, resp)
		if !application.ledgerWriter.Enqueue(record) {
			application.otel.RecordLedgerQueueDrop(name)
			logger.Warn("usage ledger queue is full; dropping record", "provider", name, "model", resp.Model)
		}
		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		totalCost += resp.Cost.TotalCost
		if resp.Cost.PricingAvailable {
			pricingAvailable = true
		}

		if toolset == nil || resp.FinishReason != provider.FinishToolCalls || len(resp.ToolCalls) == 0 {
			break
		}
		if round+1 >= maxToolRounds {
			fmt.Fprintln(errOut, "tool call limit reached; returning the last model turn")
			break
		}

		// Replay the assistant turn with its calls, then feed the
		// results back as tool turns.
		results := mcp.Dispatch(context.Background(), toolset, resp.ToolCalls)
		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, result := range results {
			messages = append(messages, result.Message())
		}
	}

	fmt.Fprintf(errOut, "tokens: %d in / %d out", totalIn, totalOut)
	if pricingAvailable {
		fmt.Fprintf(errOut, ", cost: $%.6f", totalCost)
	}
	fmt.Fprintln(errOut)
	return 0
}

// builtinToolset is the fixed tool surface the chat command exposes when
// -tools is set.
func builtinToolset() *mcp.StaticToolset {
	set := mcp.NewStaticToolset()
	set.Add(mcp.Tool{
		Name:        "local_time",
		Description: "Current local time in RFC 3339 form.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, arguments string) (string, error) {
		return time.Now().Format(time.RFC3339), nil
	})
	return set
}

// streamChat prints deltas as they arrive and returns the final
// accumulated response for accounting.
func streamChat(ctx context.Context, driver provider.Driver, messages []provider.Message, opts provider.Options, out io.Writer) (*provider.Response, error) {
	streamResp, err := driver.SendStream(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = streamResp.Close() }()

	var last *provider.Response
	for {
		snapshot, err := streamResp.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		fmt.Fprint(out, snapshot.Content)
		last = snapshot
	}
	fmt.Fprintln(out)

	if last == nil {
		return nil, errors.New("stream carried no chunks")
	}
	// Snapshot fields other than Content are cumulative; the final chunk
	// carries usage, finish reason, and cost for the whole response.
	acc := streamResp.Accumulated()
	last.Content = acc.Content()
	return last, nil
}
