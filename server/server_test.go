package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/petal-labs/dealbridge/deal"
	"github.com/petal-labs/dealbridge/dispatch"
	"github.com/petal-labs/dealbridge/manifest"
	"github.com/petal-labs/dealbridge/webhook"
)

type stubFetcher struct {
	mu    sync.Mutex
	ids   []string
	rec   *deal.Record
	err   error
	ctxOK func(ctx context.Context)
}

func (f *stubFetcher) Fetch(ctx context.Context, dealID string) (*deal.Record, error) {
	f.mu.Lock()
	f.ids = append(f.ids, dealID)
	f.mu.Unlock()
	if f.ctxOK != nil {
		f.ctxOK(ctx)
	}
	return f.rec, f.err
}

// testServer creates a Server with defaults suitable for testing.
func testServer(t *testing.T, fetcher dispatch.Fetcher) *Server {
	t.Helper()
	registry := manifest.Default()
	d, err := dispatch.New(dispatch.Config{Registry: registry, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	return NewServer(ServerConfig{
		Registry:   registry,
		Dispatcher: d,
		Info:       manifest.Info{Name: "dealbridge", Version: "test"},
		CORSOrigin: "*",
		MaxBody:    1 << 20,
	})
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func TestHealth(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("got status %q, want %q", body["status"], "ok")
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodGet, "/health", "")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q, want %q", got, "*")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodOptions, MessagePath, "")

	if w.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestManifestDiscovery(t *testing.T) {
	srv := testServer(t, &stubFetcher{})

	for _, path := range []string{"/", "/manifest.json"} {
		t.Run(path, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var doc struct {
				MCP     string `json:"mcp"`
				Name    string `json:"name"`
				Version string `json:"version"`
				Tools   []struct {
					Name        string         `json:"name"`
					InputSchema map[string]any `json:"inputSchema"`
				} `json:"tools"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if doc.MCP != manifest.ProtocolVersion || doc.Name != "dealbridge" || doc.Version != "test" {
				t.Fatalf("document = %+v", doc)
			}
			if len(doc.Tools) != 1 || doc.Tools[0].Name != manifest.DealDataToolName {
				t.Fatalf("tools = %+v", doc.Tools)
			}
		})
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	} `json:"result"`
	Error *dispatch.RPCError `json:"error"`
}

func decodeRPC(t *testing.T, w *httptest.ResponseRecorder) rpcReply {
	t.Helper()
	var reply rpcReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return reply
}

func TestMessage_ToolsList(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodPost, MessagePath, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	reply := decodeRPC(t, w)
	if string(reply.ID) != "1" || reply.Error != nil {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Result.Tools) != 1 || reply.Result.Tools[0].Name != manifest.DealDataToolName {
		t.Fatalf("tools = %+v", reply.Result.Tools)
	}
}

func TestMessage_ToolsCallSuccess(t *testing.T) {
	fetcher := &stubFetcher{rec: &deal.Record{Properties: deal.Properties{"dealname": "Acme"}}}
	srv := testServer(t, fetcher)
	w := do(t, srv, http.MethodPost, MessagePath,
		`{"jsonrpc":"2.0","id":"req-7","method":"tools/call","params":{"name":"get_deal_data","arguments":{"dealId":"12345"}}}`)

	reply := decodeRPC(t, w)
	if reply.Error != nil {
		t.Fatalf("unexpected error: %+v", reply.Error)
	}
	if string(reply.ID) != `"req-7"` {
		t.Fatalf("id = %s, want \"req-7\"", reply.ID)
	}
	if len(reply.Result.Content) != 1 || reply.Result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", reply.Result.Content)
	}
	if !strings.Contains(reply.Result.Content[0].Text, "Deal Name: Acme") {
		t.Fatalf("text = %q", reply.Result.Content[0].Text)
	}
	if len(fetcher.ids) != 1 || fetcher.ids[0] != "12345" {
		t.Fatalf("fetched ids = %v", fetcher.ids)
	}
}

func TestMessage_WebhookFailure(t *testing.T) {
	fetcher := &stubFetcher{err: &webhook.Error{StatusCode: 502, Message: "unexpected status code: 502"}}
	srv := testServer(t, fetcher)
	w := do(t, srv, http.MethodPost, MessagePath,
		`{"jsonrpc":"2.0","id":99,"method":"tools/call","params":{"name":"get_deal_data","arguments":{"dealId":"1"}}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	reply := decodeRPC(t, w)
	if reply.Error == nil || reply.Error.Code != mcp.INTERNAL_ERROR {
		t.Fatalf("error = %+v, want code %d", reply.Error, mcp.INTERNAL_ERROR)
	}
	if !strings.Contains(reply.Error.Message, "502") {
		t.Fatalf("message = %q", reply.Error.Message)
	}
	if string(reply.ID) != "99" {
		t.Fatalf("id = %s, want 99", reply.ID)
	}
	if reply.Result != nil {
		t.Fatalf("result must be absent on error: %s", w.Body.String())
	}
}

func TestMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		code   int
		wantID string
	}{
		{"malformed json", `{"jsonrpc":`, mcp.PARSE_ERROR, "null"},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"tools/list"}]`, mcp.INVALID_REQUEST, "null"},
		{"unknown method", `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`, mcp.METHOD_NOT_FOUND, "3"},
		{"unknown tool", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nonexistent"}}`, mcp.INVALID_PARAMS, "4"},
		{"missing params", `{"jsonrpc":"2.0","id":5,"method":"tools/call"}`, mcp.INVALID_PARAMS, "5"},
	}

	srv := testServer(t, &stubFetcher{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, MessagePath, tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			reply := decodeRPC(t, w)
			if reply.Error == nil || reply.Error.Code != tt.code {
				t.Fatalf("error = %+v, want code %d", reply.Error, tt.code)
			}
			if string(reply.ID) != tt.wantID {
				t.Fatalf("id = %s, want %s", reply.ID, tt.wantID)
			}
		})
	}
}

func TestMessage_BodyTooLarge(t *testing.T) {
	registry := manifest.Default()
	d, err := dispatch.New(dispatch.Config{Registry: registry, Fetcher: &stubFetcher{}})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ServerConfig{Registry: registry, Dispatcher: d, MaxBody: 16})

	w := do(t, srv, http.MethodPost, MessagePath, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	reply := decodeRPC(t, w)
	if reply.Error == nil || reply.Error.Code != mcp.INVALID_REQUEST {
		t.Fatalf("error = %+v", reply.Error)
	}
}

func TestMessage_ContextSurvivesClientCancel(t *testing.T) {
	var fetchErr error
	fetcher := &stubFetcher{
		rec: &deal.Record{},
		ctxOK: func(ctx context.Context) {
			fetchErr = ctx.Err()
		},
	}
	srv := testServer(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodPost, MessagePath,
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_deal_data","arguments":{"dealId":"1"}}}`)).
		WithContext(ctx)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	if fetchErr != nil {
		t.Fatalf("fetch saw cancelled context: %v", fetchErr)
	}
}

type legacyReply struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError *bool `json:"isError"`
}

func decodeLegacy(t *testing.T, w *httptest.ResponseRecorder) legacyReply {
	t.Helper()
	var reply legacyReply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	if reply.IsError == nil {
		t.Fatalf("isError missing from %s", w.Body.String())
	}
	return reply
}

func TestCall_UnknownTool(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodPost, CallPath, `{"tool":"nonexistent","arguments":{}}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	reply := decodeLegacy(t, w)
	if !*reply.IsError {
		t.Fatal("isError = false, want true")
	}
	if len(reply.Content) != 1 || reply.Content[0].Text != "Unknown tool: nonexistent" {
		t.Fatalf("content = %+v", reply.Content)
	}
	if strings.Contains(w.Body.String(), `"jsonrpc"`) {
		t.Fatalf("legacy reply carries rpc fields: %s", w.Body.String())
	}
}

func TestCall_SuccessAndFailure(t *testing.T) {
	ok := testServer(t, &stubFetcher{rec: &deal.Record{Properties: deal.Properties{"dealname": "Acme"}}})
	w := do(t, ok, http.MethodPost, CallPath, `{"tool":"get_deal_data","arguments":{"dealId":"7"}}`)
	reply := decodeLegacy(t, w)
	if *reply.IsError || !strings.Contains(reply.Content[0].Text, "Deal Name: Acme") {
		t.Fatalf("reply = %s", w.Body.String())
	}

	failing := testServer(t, &stubFetcher{err: errors.New("connection refused")})
	w = do(t, failing, http.MethodPost, CallPath, `{"tool":"get_deal_data","arguments":{"dealId":"7"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	reply = decodeLegacy(t, w)
	if !*reply.IsError || !strings.Contains(reply.Content[0].Text, "connection refused") {
		t.Fatalf("reply = %s", w.Body.String())
	}
}

func TestCall_InvalidBody(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	w := do(t, srv, http.MethodPost, CallPath, `not json`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	reply := decodeLegacy(t, w)
	if !*reply.IsError {
		t.Fatal("isError = false, want true")
	}
}

func TestServerKeepsServingAfterFailure(t *testing.T) {
	srv := testServer(t, &stubFetcher{err: errors.New("boom")})
	for i := 0; i < 3; i++ {
		w := do(t, srv, http.MethodPost, CallPath, `{"tool":"get_deal_data","arguments":{"dealId":"1"}}`)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	if w := do(t, srv, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestTool_ByPath(t *testing.T) {
	fetcher := &stubFetcher{rec: &deal.Record{Properties: deal.Properties{"dealname": "Acme"}}}
	srv := testServer(t, fetcher)

	w := do(t, srv, http.MethodPost, "/tools/get_deal_data", `{"dealId":"123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var reply struct {
		Tool string `json:"tool"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	if reply.Tool != "get_deal_data" || !strings.Contains(reply.Text, "Deal Name: Acme") {
		t.Fatalf("reply = %s", w.Body.String())
	}
	if len(fetcher.ids) != 1 || fetcher.ids[0] != "123" {
		t.Fatalf("fetched ids = %v, want [123]", fetcher.ids)
	}
}

func TestTool_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *stubFetcher
		path    string
		body    string
		status  int
		wantErr string
	}{
		{"unknown tool", &stubFetcher{}, "/tools/nonexistent", `{"dealId":"1"}`, http.StatusNotFound, "Unknown tool: nonexistent"},
		{"missing deal id", &stubFetcher{}, "/tools/get_deal_data", `{}`, http.StatusBadRequest, "dealId is required"},
		{"invalid body", &stubFetcher{}, "/tools/get_deal_data", `not json`, http.StatusBadRequest, "invalid request body"},
		{"webhook failure", &stubFetcher{err: errors.New("connection refused")}, "/tools/get_deal_data", `{"dealId":"1"}`, http.StatusInternalServerError, "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, tt.fetcher)
			w := do(t, srv, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			var reply map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
				t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
			}
			if !strings.Contains(reply["error"], tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", reply["error"], tt.wantErr)
			}
		})
	}
}

type panicDispatcher struct{}

func (panicDispatcher) HandleRPC(context.Context, dispatch.Request) dispatch.Response {
	panic("boom")
}

func (panicDispatcher) HandleLegacy(context.Context, dispatch.LegacyCall) dispatch.LegacyResult {
	panic("boom")
}

func (panicDispatcher) HandleTool(context.Context, string, map[string]any) (string, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	srv := NewServer(ServerConfig{Dispatcher: panicDispatcher{}})
	w := do(t, srv, http.MethodPost, MessagePath, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestStream_HandshakeBeforeTools(t *testing.T) {
	srv := testServer(t, &stubFetcher{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS origin = %q", got)
	}

	var events []string
	var data []string
	scanner := bufio.NewScanner(resp.Body)
	for len(data) < 2 && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(events) != 2 || events[0] != "handshake" || events[1] != "tools" {
		t.Fatalf("events = %v, want [handshake tools]", events)
	}

	var hs struct {
		Endpoints struct {
			Message string `json:"message"`
			Call    string `json:"call"`
		} `json:"endpoints"`
	}
	if err := json.Unmarshal([]byte(data[0]), &hs); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if hs.Endpoints.Message != MessagePath || hs.Endpoints.Call != CallPath {
		t.Fatalf("endpoints = %+v", hs.Endpoints)
	}
}
