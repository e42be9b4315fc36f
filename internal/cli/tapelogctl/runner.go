// Package tapelogctl implements the operator CLI for a worker's admin API.
package tapelogctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type command struct {
	args   int
	usage  string
	method string
	// path builds the request path from the escaped positional arguments.
	path func(args []string) string
	// body is the index of the argument sent as JSON body, or -1.
	body int
}

var commands = map[string]command{
	"health": {usage: "GET /v1/health", method: http.MethodGet, body: -1,
		path: func([]string) string { return "/v1/health" }},
	"ready": {usage: "GET /v1/ready", method: http.MethodGet, body: -1,
		path: func([]string) string { return "/v1/ready" }},
	"status": {usage: "GET /v1/status", method: http.MethodGet, body: -1,
		path: func([]string) string { return "/v1/status" }},
	"checkpoint": {args: 1, usage: "<consumer>          GET /v1/consumers/{consumer}", method: http.MethodGet, body: -1,
		path: func(a []string) string { return "/v1/consumers/" + a[0] }},
	"append": {args: 2, usage: "<log> <json>            POST /v1/logs/{log}", method: http.MethodPost, body: 1,
		path: func(a []string) string { return "/v1/logs/" + a[0] }},
	"enqueue": {args: 2, usage: "<table> <json>         POST /v1/commands/{table}", method: http.MethodPost, body: 1,
		path: func(a []string) string { return "/v1/commands/" + a[0] }},
	"command": {args: 2, usage: "<table> <id>           GET /v1/commands/{table}/{id}", method: http.MethodGet, body: -1,
		path: func(a []string) string { return "/v1/commands/" + a[0] + "/" + a[1] }},
}

var commandOrder = []string{"health", "ready", "status", "checkpoint", "append", "enqueue", "command"}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("tapelogctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8090"), "worker admin API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for operator requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	name := strings.TrimSpace(fs.Arg(0))
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		writeUsage(stderr)
		return 2
	}
	positional := fs.Args()[1:]
	if len(positional) != cmd.args {
		_, _ = fmt.Fprintf(stderr, "%s expects %d argument(s)\n\n", name, cmd.args)
		writeUsage(stderr)
		return 2
	}

	escaped := make([]string, len(positional))
	for i, arg := range positional {
		escaped[i] = url.PathEscape(arg)
	}
	var body []byte
	if cmd.body >= 0 {
		body = []byte(positional[cmd.body])
		if !json.Valid(body) {
			_, _ = fmt.Fprintf(stderr, "%s: argument %d is not valid JSON\n", name, cmd.body+1)
			return 2
		}
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + cmd.path(escaped)
	code, responseBody, err := doRequest(ctx, client, cmd.method, endpoint, *apiKey, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, endpoint, apiKey string, body []byte) (int, []byte, error) {
	var payload io.Reader
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
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

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tapelogctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	for _, name := range commandOrder {
		_, _ = fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].usage)
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
