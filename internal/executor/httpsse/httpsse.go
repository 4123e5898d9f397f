// Package httpsse implements the Executor capability set for agents that
// run as a local HTTP server and stream progress over server-sent events
// (the opencode family): spawn the server process, wait for its "listening
// on" line, then drive it over HTTP rather than line-delimited stdio.
// Client.SubscribeEvents can open the server's SSE stream, but the Adapter
// does not call it.
package httpsse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
)

// ListeningTimeout bounds how long Spawn waits for the server's
// "listening on" stdout line before giving up.
const ListeningTimeout = 180 * time.Second

var listeningPattern = regexp.MustCompile(`(?i)listening on\s+(\S+)`)

// Client is a minimal retrying HTTP client for the opencode wire API,
// grounded on the teacher's OpenCodeClient.doWithRetry backoff loop.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	maxDelay    time.Duration
	multiplier  float64
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		maxAttempts: 3,
		retryDelay:  time.Second,
		maxDelay:    30 * time.Second,
		multiplier:  2.0,
	}
}

func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var lastErr error
	delay := c.retryDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: status %d, body: %s", resp.StatusCode, respBody)
		}

		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.multiplier)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	url := fmt.Sprintf("%s/session?directory=%s", c.baseURL, directory)
	resp, err := c.doWithRetry(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode create session response: %w", err)
	}
	return result.ID, nil
}

func (c *Client) SendMessage(ctx context.Context, sessionID, directory, text string) error {
	body, _ := json.Marshal(map[string]any{
		"parts": []map[string]string{{"type": "text", "text": text}},
	})
	url := fmt.Sprintf("%s/session/%s/message?directory=%s", c.baseURL, sessionID, directory)
	resp, err := c.doWithRetry(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	resp.Body.Close()
	return nil
}

// SubscribeEvents opens the server's SSE event stream; each event payload
// is delivered on the returned channel, closed when ctx is cancelled or the
// connection drops.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe to event stream: %w", err)
	}

	ch := make(chan json.RawMessage, 64)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			select {
			case ch <- json.RawMessage(payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Adapter drives an opencode-family agent: a local HTTP server spawned as a
// child process, controlled over HTTP rather than line-delimited stdio; it
// does not subscribe to the server's SSE stream.
type Adapter struct {
	BinaryPath string
	BaseURL    string // not read by Spawn, which takes the URL from the server's "listening on" line

	log      *slog.Logger
	mu       sync.Mutex
	approver executor.ApprovalRequester
}

func New(binaryPath string, log *slog.Logger) *Adapter {
	return &Adapter{BinaryPath: binaryPath, log: log}
}

func (a *Adapter) Capabilities() executor.Capability { return 0 }

func (a *Adapter) UseApprovals(svc executor.ApprovalRequester) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approver = svc
}

func (a *Adapter) spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, *Client, error) {
	args := []string{"serve"}
	child, err := executor.StartGrouped(ctx, a.BinaryPath, args, opts.Cwd, opts.Env)
	if err != nil {
		return nil, nil, err
	}

	baseURL, err := waitForListening(child, ListeningTimeout)
	if err != nil {
		child.Close()
		return nil, nil, err
	}

	return child, NewClient(baseURL), nil
}

func waitForListening(child *executor.SpawnedChild, timeout time.Duration) (string, error) {
	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(child.Stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if m := listeningPattern.FindStringSubmatch(line); m != nil {
				url := m[1]
				if !strings.HasPrefix(url, "http") {
					url = "http://" + url
				}
				done <- result{url: url}
				return
			}
		}
		done <- result{err: fmt.Errorf("process exited before printing a listening line")}
	}()

	select {
	case r := <-done:
		return r.url, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out waiting %s for server to report it is listening", timeout)
	}
}

func (a *Adapter) Spawn(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	child, client, err := a.spawn(ctx, opts)
	if err != nil {
		return nil, err
	}
	sessionID, err := client.CreateSession(ctx, opts.Cwd, opts.Prompt)
	if err != nil {
		child.Close()
		return nil, err
	}
	if err := client.SendMessage(ctx, sessionID, opts.Cwd, opts.Prompt); err != nil {
		child.Close()
		return nil, err
	}
	return child, nil
}

func (a *Adapter) SpawnFollowUp(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	child, client, err := a.spawn(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.SendMessage(ctx, opts.ExistingSessionID, opts.Cwd, opts.Prompt); err != nil {
		child.Close()
		return nil, err
	}
	return child, nil
}

func (a *Adapter) SpawnReview(ctx context.Context, opts executor.SpawnOptions) (*executor.SpawnedChild, error) {
	return a.Spawn(ctx, opts)
}

func (a *Adapter) AvailableSlashCommands(ctx context.Context, cwd string) ([]executor.SlashCommand, error) {
	return nil, nil
}

func (a *Adapter) DefaultMCPConfigPath() (string, bool) {
	return "opencode.json", true
}

func (a *Adapter) GetAvailabilityInfo(ctx context.Context) executor.AvailabilityInfo {
	return probeAvailability(ctx, a.BinaryPath)
}

// NormalizeLogs translates opencode message-part lines read from raw
// (text/tool-invocation/tool-result) into normalized patches, grounded on the
// teacher's OpenCodeClient.parseMessageResponse accumulation loop. Other part
// types, reasoning included, are skipped. No SSE subscription feeds raw; it
// carries only the server process's own output.
func (a *Adapter) NormalizeLogs(ctx context.Context, raw io.Reader, worktreePath string, sink executor.NormalizedSink) error {
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var pendingTool *NormalizedPatch

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var part messagePart
		if err := json.Unmarshal(line, &part); err != nil {
			a.log.Debug("httpsse: dropping malformed line", "err", err)
			continue
		}

		switch part.Type {
		case "text":
			if err := sink.Emit(NormalizedPatch{Kind: "text", Text: part.Text}); err != nil {
				return err
			}
		case "tool-invocation":
			if pendingTool != nil {
				if err := sink.Emit(*pendingTool); err != nil {
					return err
				}
			}
			pendingTool = &NormalizedPatch{Kind: "tool_call", ToolName: part.Tool, ToolInput: part.Input}
		case "tool-result":
			if pendingTool != nil {
				pendingTool.ToolOutput = part.Output
				if err := sink.Emit(*pendingTool); err != nil {
					return err
				}
				pendingTool = nil
			}
		}
	}
	if pendingTool != nil {
		if err := sink.Emit(*pendingTool); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type messagePart struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
}

// NormalizedPatch is the generic shape emitted to sink.Emit for this
// adapter.
type NormalizedPatch struct {
	Kind       string
	Text       string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string
}
