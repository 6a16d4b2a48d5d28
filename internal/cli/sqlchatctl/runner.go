// Package sqlchatctl implements a small command line client for the sqlchat
// HTTP API.
package sqlchatctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Owner      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	// render prints a successful response; nil pretty-prints JSON.
	render func(w io.Writer, body []byte) int
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("sqlchatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlchat API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	owner := fs.String("owner", defaults.Owner, "Owner header (used when auth is disabled)")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	req, err := buildRequest(fs.Arg(0), fs.Args()[1:])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}
	if closer, ok := req.body.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, *owner)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if req.render != nil {
		return req.render(stdout, responseBody)
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

func buildRequest(command string, args []string) (request, error) {
	command = strings.TrimSpace(command)
	sessionPath := func() (string, error) {
		if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
			return "", fmt.Errorf("%s requires a session id", command)
		}
		return "/v1/sessions/" + url.PathEscape(strings.TrimSpace(args[0])), nil
	}

	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "examples":
		return request{method: http.MethodGet, path: "/v1/examples"}, nil
	case "datasets":
		path := "/v1/datasets"
		if len(args) > 0 {
			path += "?prefix=" + url.QueryEscape(args[0])
		}
		return request{method: http.MethodGet, path: path}, nil
	case "sessions":
		return request{method: http.MethodGet, path: "/v1/sessions"}, nil
	case "new":
		return jsonRequest(http.MethodPost, "/v1/sessions", map[string]any{
			"custom_instructions": strings.Join(args, " "),
		})
	case "status", "transcript", "loads", "close", "prompt":
		base, err := sessionPath()
		if err != nil {
			return request{}, err
		}
		switch command {
		case "status":
			return request{method: http.MethodGet, path: base}, nil
		case "transcript":
			return request{method: http.MethodGet, path: base + "/transcript"}, nil
		case "loads":
			return request{method: http.MethodGet, path: base + "/loads"}, nil
		case "close":
			return request{method: http.MethodDelete, path: base}, nil
		default:
			return request{method: http.MethodGet, path: base + "/prompt", render: renderField("instructions")}, nil
		}
	case "table":
		base, err := sessionPath()
		if err != nil {
			return request{}, err
		}
		if len(args) < 2 {
			return request{}, fmt.Errorf("table requires a session id and table name")
		}
		return request{method: http.MethodGet, path: base + "/tables/" + url.PathEscape(args[1])}, nil
	case "load":
		base, err := sessionPath()
		if err != nil {
			return request{}, err
		}
		if len(args) < 2 {
			return request{}, fmt.Errorf("load requires a session id and a source")
		}
		return loadRequest(base+"/database", args[1])
	case "ask":
		base, err := sessionPath()
		if err != nil {
			return request{}, err
		}
		if len(args) < 2 {
			return request{}, fmt.Errorf("ask requires a session id and a question")
		}
		req, err := jsonRequest(http.MethodPost, base+"/ask", map[string]any{"question": strings.Join(args[1:], " ")})
		req.render = renderAnswer
		return req, err
	case "query":
		base, err := sessionPath()
		if err != nil {
			return request{}, err
		}
		if len(args) < 2 {
			return request{}, fmt.Errorf("query requires a session id and sql")
		}
		return jsonRequest(http.MethodPost, base+"/query", map[string]any{"sql": strings.Join(args[1:], " ")})
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

// loadRequest maps example:<name>, object:<key>, an http(s) URL or a local
// file path to a database selection.
func loadRequest(path, target string) (request, error) {
	target = strings.TrimSpace(target)
	switch {
	case strings.HasPrefix(target, "example:"):
		return jsonRequest(http.MethodPost, path, map[string]any{"source": "example", "example": strings.TrimPrefix(target, "example:")})
	case strings.HasPrefix(target, "object:"):
		return jsonRequest(http.MethodPost, path, map[string]any{"source": "object", "object_key": strings.TrimPrefix(target, "object:")})
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return jsonRequest(http.MethodPost, path, map[string]any{"source": "url", "url": target})
	}

	file, err := os.Open(target)
	if err != nil {
		return request{}, fmt.Errorf("open database file: %w", err)
	}
	return request{
		method:      http.MethodPost,
		path:        path + "?filename=" + url.QueryEscape(filepath.Base(target)),
		body:        file,
		contentType: "application/octet-stream",
	}, nil
}

func jsonRequest(method, path string, payload any) (request, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{method: method, path: path, body: bytes.NewReader(encoded), contentType: "application/json"}, nil
}

func doRequest(ctx context.Context, client *http.Client, req request, url, apiKey, owner string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, req.body)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		httpReq.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(owner) != "" {
		httpReq.Header.Set("X-Owner-ID", strings.TrimSpace(owner))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func renderField(field string) func(io.Writer, []byte) int {
	return func(w io.Writer, body []byte) int {
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			_, _ = fmt.Fprintln(w, string(body))
			return 0
		}
		_, _ = fmt.Fprintln(w, decoded[field])
		return 0
	}
}

// renderAnswer prints the answer text. A failed agent call exits 1.
func renderAnswer(w io.Writer, body []byte) int {
	var decoded struct {
		Answer struct {
			Content string `json:"content"`
		} `json:"answer"`
		Failed bool `json:"failed"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		_, _ = fmt.Fprintln(w, string(body))
		return 0
	}
	_, _ = fmt.Fprintln(w, decoded.Answer.Content)
	if decoded.Failed {
		return 1
	}
	return 0
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
	_, _ = fmt.Fprintln(w, "usage: sqlchatctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                     GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                      GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  examples                   list bundled example databases")
	_, _ = fmt.Fprintln(w, "  datasets [prefix]          list shared databases in the object store")
	_, _ = fmt.Fprintln(w, "  sessions                   list your sessions")
	_, _ = fmt.Fprintln(w, "  new [instructions]         create a session")
	_, _ = fmt.Fprintln(w, "  status <id>                show session status")
	_, _ = fmt.Fprintln(w, "  load <id> <source>         select a database: URL, example:<name>, object:<key> or file path")
	_, _ = fmt.Fprintln(w, "  table <id> <name>          describe one table")
	_, _ = fmt.Fprintln(w, "  prompt <id>                print the instruction payload")
	_, _ = fmt.Fprintln(w, "  ask <id> <question>        ask a question")
	_, _ = fmt.Fprintln(w, "  transcript <id>            print the transcript")
	_, _ = fmt.Fprintln(w, "  loads <id>                 list database selection attempts")
	_, _ = fmt.Fprintln(w, "  query <id> <sql>           run read-only SQL")
	_, _ = fmt.Fprintln(w, "  close <id>                 close a session")
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
