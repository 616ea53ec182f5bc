package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/mcphub/internal/config"
	"github.com/Tyrowin/mcphub/internal/hub"
	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

const (
	testToken  = "bearer-token-123"
	testAPIKey = "secret-key-456"
)

type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Auth = config.AuthConfig{BearerToken: testToken, APIKey: testAPIKey}
	cfg.Server.HandshakeDelay = 0
	cfg.Server.AllowedOrigins = []string{"http://localhost:8000"}
	if mutate != nil {
		mutate(&cfg)
	}

	gw, err := Build(&cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{gw: gw, srv: srv}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+testToken)
	return h
}

func (e *testEnv) dialSocket(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	before := e.gw.Hub().CountByKind(hub.KindSocket)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.gw.Hub().CountByKind(hub.KindSocket) > before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) jsonrpc.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var env jsonrpc.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

func (e *testEnv) post(t *testing.T, body string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

func (e *testEnv) openStream(t *testing.T, header http.Header) *sseStream {
	t.Helper()
	before := e.gw.Hub().CountByKind(hub.KindStream)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return e.gw.Hub().CountByKind(hub.KindStream) > before
	}, 2*time.Second, 5*time.Millisecond)

	return &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}
}

// next returns the next event, skipping keepalive comments.
func (s *sseStream) next(t *testing.T) (string, jsonrpc.Envelope) {
	t.Helper()

	type frame struct {
		event string
		data  string
		err   error
	}
	ch := make(chan frame, 1)
	go func() {
		var f frame
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				f.err = err
				ch <- f
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			case line == "" && f.data != "":
				ch <- f
				return
			}
		}
	}()

	select {
	case f := <-ch:
		require.NoError(t, f.err)
		var env jsonrpc.Envelope
		require.NoError(t, json.Unmarshal([]byte(f.data), &env))
		return f.event, env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return "", jsonrpc.Envelope{}
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "running")

	env.dialSocket(t, authHeader())

	resp, err = http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Listeners["socket"])
	assert.Equal(t, 0, health.Listeners["stream"])
}

func TestUnauthorizedIngressRegistersNothing(t *testing.T) {
	env := newTestEnv(t, nil)

	wrong := http.Header{}
	wrong.Set("Authorization", "Bearer wrong")
	wrong.Set("X-API-Key", "also-wrong")

	for name, header := range map[string]http.Header{"missing": {}, "wrong": wrong} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/mcp", nil)
			require.NoError(t, err)
			for k, v := range header {
				req.Header[k] = v
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			resp, body := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, header)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.JSONEq(t, `{"error":"Unauthorized"}`, body)

			_, wsResp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, wsResp)
			assert.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
			wsResp.Body.Close()

			assert.Equal(t, 0, env.gw.Hub().Count())
		})
	}
}

func TestAPIKeyAuthorizesAllIngress(t *testing.T) {
	env := newTestEnv(t, nil)
	header := http.Header{}
	header.Set("X-API-Key", testAPIKey)

	stream := env.openStream(t, header)
	env.dialSocket(t, header)

	resp, body := env.post(t, `{"jsonrpc":"2.0","id":"k","method":"ping"}`, header)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"accepted","count":1}`, body)

	event, got := stream.next(t)
	assert.Equal(t, "message", event)
	assert.Equal(t, `"k"`, string(got.ID))
}

func TestSocketRequestIsMulticast(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dialSocket(t, authHeader())
	b := env.dialSocket(t, authHeader())
	stream := env.openStream(t, authHeader())

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"method":"tools/list","id":1}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		got := readEnvelope(t, conn)
		assert.Equal(t, "1", string(got.ID))
		assert.Nil(t, got.Error)
		assert.NotEmpty(t, got.Result)
	}

	_, got := stream.next(t)
	assert.Equal(t, "1", string(got.ID))
}

func TestSubmissionBroadcastsToStreamAndSocket(t *testing.T) {
	env := newTestEnv(t, nil)
	stream := env.openStream(t, authHeader())
	sock := env.dialSocket(t, authHeader())

	resp, _ := env.post(t, `{"jsonrpc":"2.0","id":5,"method":"foo/bar"}`, authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	event, got := stream.next(t)
	assert.Equal(t, "message", event)
	assert.Equal(t, "5", string(got.ID))
	require.NotNil(t, got.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, got.Error.Code)

	fromSocket := readEnvelope(t, sock)
	assert.Equal(t, got, fromSocket)
}

func TestInitializeHandshakeOrder(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.HandshakeDelay = 20 * time.Millisecond
	})
	sock := env.dialSocket(t, authHeader())

	resp, _ := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first := readEnvelope(t, sock)
	assert.Equal(t, "1", string(first.ID))
	assert.JSONEq(t, `{"version":"0.1.0","capabilities":{}}`, string(first.Result))

	second := readEnvelope(t, sock)
	assert.Equal(t, "initialized", second.Method)
	assert.False(t, second.HasID())
}

func TestBatchSubmissionDispatchesEveryItem(t *testing.T) {
	env := newTestEnv(t, nil)
	sock := env.dialSocket(t, authHeader())

	body := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","id":2,"method":"unknown/method"},
		{"jsonrpc":"2.0","id":3,"method":"tools/invoke","params":{"name":"crash_me","arguments":{"code":"x"}}},
		{"jsonrpc":"2.0","id":4,"method":"ping"}
	]`
	resp, respBody := env.post(t, body, authHeader())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"accepted","count":4}`, respBody)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		got := readEnvelope(t, sock)
		assert.NoError(t, got.Validate())
		ids = append(ids, string(got.ID))
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}

func TestMalformedSubmissionIsSynchronousAndSilent(t *testing.T) {
	env := newTestEnv(t, nil)
	sock := env.dialSocket(t, authHeader())

	resp, body := env.post(t, `{"jsonrpc":"2.0","id":1,"method":`, authHeader())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var got submitError
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "error", got.Status)
	assert.NotEmpty(t, got.Message)

	expectNoMessage(t, sock, 200*time.Millisecond)
}

func TestOversizedSubmissionRejected(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Limits.MaxBodyBytes = 32
	})

	resp, _ := env.post(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"xxxxxxxxxxxxxxxx"}}`, authHeader())
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestMalformedSocketFrameIsDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dialSocket(t, authHeader())
	b := env.dialSocket(t, authHeader())

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	expectNoMessage(t, b, 200*time.Millisecond)

	// The sender stays connected and usable.
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"after","method":"ping"}`)))
	got := readEnvelope(t, a)
	assert.Equal(t, `"after"`, string(got.ID))
	assert.Equal(t, 2, env.gw.Hub().CountByKind(hub.KindSocket))
}

func TestSocketBatchFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.dialSocket(t, authHeader())

	require.NoError(t, a.WriteMessage(websocket.TextMessage,
		[]byte(`[{"id":1,"method":"ping"},{"id":2,"method":"ping"}]`)))

	assert.Equal(t, "1", string(readEnvelope(t, a).ID))
	assert.Equal(t, "2", string(readEnvelope(t, a).ID))
}

func TestDisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	sock := env.dialSocket(t, authHeader())
	stream := env.openStream(t, authHeader())
	require.Equal(t, 2, env.gw.Hub().Count())

	require.NoError(t, sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = sock.Close()
	_ = stream.resp.Body.Close()

	require.Eventually(t, func() bool {
		return env.gw.Hub().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Broadcasting with nobody connected is harmless.
	resp, _ := env.post(t, `{"id":1,"method":"ping"}`, authHeader())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConcurrentListenersReceiveEveryMessage(t *testing.T) {
	const clients = 6
	const messages = 10

	env := newTestEnv(t, nil)
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = env.dialSocket(t, authHeader())
	}

	for m := 0; m < messages; m++ {
		resp, _ := env.post(t, `{"jsonrpc":"2.0","id":`+jsonInt(m)+`,"method":"ping"}`, authHeader())
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			for m := 0; m < messages; m++ {
				if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
					t.Errorf("client %d: %v", i, err)
					return
				}
				var got jsonrpc.Envelope
				if err := conn.ReadJSON(&got); err != nil {
					t.Errorf("client %d message %d: %v", i, m, err)
					return
				}
				if string(got.ID) != jsonInt(m) {
					t.Errorf("client %d: expected id %d, got %s", i, m, got.ID)
				}
			}
		}(i, conn)
	}
	wg.Wait()
}

func jsonInt(n int) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestDisallowedOriginRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	header := authHeader()
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	}

	header.Set("Origin", "http://LOCALHOST:8000")
	env.dialSocket(t, header)
}

func TestShutdownClosesListeners(t *testing.T) {
	env := newTestEnv(t, nil)
	sock := env.dialSocket(t, authHeader())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	require.NoError(t, sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := sock.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header = authHeader()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTrackRefusedAfterShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	require.True(t, env.gw.track(1))
	env.gw.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	assert.False(t, env.gw.track(1))
}

func TestShutdownWhileSocketsConnect(t *testing.T) {
	for i := 0; i < 50; i++ {
		env := newTestEnv(t, nil)

		dialed := make(chan struct{})
		go func() {
			defer close(dialed)
			conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), authHeader())
			if resp != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				_ = conn.Close()
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, env.gw.Shutdown(ctx))
		cancel()

		<-dialed
		assert.Equal(t, 0, env.gw.Hub().Count())
	}
}

func TestEmptyBatchReportsZeroCount(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, `[]`, authHeader())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"accepted","count":0}`, body)
}
