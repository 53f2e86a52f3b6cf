package askctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	TenantID   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// usageError marks failures that exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

// Run executes one askctl command and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		_, _ = fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	_, _ = fmt.Fprintln(stderr, err)
	return 1
}

type client struct {
	baseURL  string
	apiKey   string
	tenantID string
	http     *http.Client
}

func newRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	var (
		baseURL  string
		apiKey   string
		tenantID string
		timeout  time.Duration
	)
	newClient := func() *client {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: timeout}
		}
		return &client{
			baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
			apiKey:   strings.TrimSpace(apiKey),
			tenantID: strings.TrimSpace(tenantID),
			http:     httpClient,
		}
	}

	root := &cobra.Command{
		Use:           "askctl",
		Short:         "Submit and inspect text-to-SQL asks",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError{errors.New("a command is required")}
			}
			return usageError{fmt.Errorf("unknown command %q", args[0])}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "askmesh API base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().StringVar(&tenantID, "tenant-id", defaults.TenantID, "Tenant ID header (used when auth is disabled)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout per request (e.g. 10s)")

	root.AddCommand(
		&cobra.Command{
			Use:   "health",
			Short: "GET /v1/health",
			Args:  noArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return newClient().print(cmd.Context(), stdout, http.MethodGet, "/v1/health", nil)
			},
		},
		&cobra.Command{
			Use:   "ready",
			Short: "GET /v1/ready",
			Args:  noArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return newClient().print(cmd.Context(), stdout, http.MethodGet, "/v1/ready", nil)
			},
		},
		newAskCommand(newClient, stdout),
		&cobra.Command{
			Use:   "stop <query-id>",
			Short: "PATCH /asks/{query_id} with status stopped",
			Args:  oneArg("query id"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return newClient().print(cmd.Context(), stdout, http.MethodPatch, askPath(args[0]), map[string]string{"status": "stopped"})
			},
		},
		&cobra.Command{
			Use:   "result <query-id>",
			Short: "GET /asks/{query_id}/result",
			Args:  oneArg("query id"),
			RunE: func(cmd *cobra.Command, args []string) error {
				return newClient().print(cmd.Context(), stdout, http.MethodGet, askPath(args[0])+"/result", nil)
			},
		},
	)
	return root
}

func newAskCommand(newClient func() *client, stdout io.Writer) *cobra.Command {
	var (
		questionContext string
		wait            bool
		poll            time.Duration
		waitTimeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask <question...>",
		Short: "POST /asks, optionally waiting for the result",
		Long: `Submit a question. With --wait the result is polled until the ask
reaches finished, failed or stopped.

Examples:
  askctl ask "how many books were published after 2000?"
  askctl ask --wait --context "books table only" which genre rates best`,
		Args: func(_ *cobra.Command, args []string) error {
			if strings.TrimSpace(strings.Join(args, " ")) == "" {
				return usageError{errors.New("ask requires a question")}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			payload := map[string]string{"query": strings.Join(args, " ")}
			if strings.TrimSpace(questionContext) != "" {
				payload["context"] = questionContext
			}
			if !wait {
				return c.print(cmd.Context(), stdout, http.MethodPost, "/asks", payload)
			}

			var submitted struct {
				QueryID string `json:"query_id"`
			}
			if err := c.decode(cmd.Context(), http.MethodPost, "/asks", payload, &submitted); err != nil {
				return err
			}
			if submitted.QueryID == "" {
				return errors.New("server returned no query_id")
			}
			return c.waitForResult(cmd.Context(), stdout, submitted.QueryID, poll, waitTimeout)
		},
	}
	cmd.Flags().StringVar(&questionContext, "context", "", "extra context passed with the question")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the ask is terminal")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval with --wait")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

// waitForResult polls until the ask is terminal and prints the last result.
// Asks that end in failed or stopped exit non-zero.
func (c *client) waitForResult(ctx context.Context, stdout io.Writer, queryID string, poll, limit time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		raw, err := c.do(ctx, http.MethodGet, askPath(queryID)+"/result", nil)
		if err != nil {
			return err
		}
		var result struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		switch result.Status {
		case "finished", "failed", "stopped":
			writeBody(stdout, raw)
			if result.Status != "finished" {
				return fmt.Errorf("ask %s ended with status %s", queryID, result.Status)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for ask %s: %w", queryID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *client) print(ctx context.Context, stdout io.Writer, method, path string, payload any) error {
	raw, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	writeBody(stdout, raw)
	return nil
}

func (c *client) decode(ctx context.Context, method, path string, payload, out any) error {
	raw, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func writeBody(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func askPath(queryID string) string {
	return "/asks/" + url.PathEscape(strings.TrimSpace(queryID))
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError{fmt.Errorf("%s takes no arguments", cmd.Name())}
	}
	return nil
}

func oneArg(name string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return usageError{fmt.Errorf("%s requires exactly one %s", cmd.Name(), name)}
		}
		return nil
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
