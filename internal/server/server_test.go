package server

import (
	"context"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/proxy"
	"github.com/bardlex/roundproxy/internal/stratum"
	"github.com/bardlex/roundproxy/pkg/log"
)

// fakeProxy answers with canned results and records submissions.
type fakeProxy struct {
	name string

	mu        sync.Mutex
	info      *mining.MiningInfo
	result    *mining.SubmitResult
	raws      []mining.RawSubmission
	metas     []mining.MinerMeta
	touched   []mining.MinerMeta
	listeners []func(*mining.MiningInfo)
}

func (f *fakeProxy) Name() string { return f.name }

func (f *fakeProxy) GetMiningInfo() *mining.MiningInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeProxy) SubmitNonce(_ context.Context, raw mining.RawSubmission, meta mining.MinerMeta) *mining.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raws = append(f.raws, raw)
	f.metas = append(f.metas, meta)
	return f.result
}

func (f *fakeProxy) TouchMiner(meta mining.MinerMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, meta)
}

func (f *fakeProxy) OnRoundActivated(fn func(*mining.MiningInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeProxy) Miners() []mining.Miner      { return []mining.Miner{{ID: "10.0.0.1", Capacity: 100}} }
func (f *fakeProxy) TotalCapacity() float64      { return 100 }
func (f *fakeProxy) Upstreams() []proxy.Upstream { return nil }

func (f *fakeProxy) activate(info *mining.MiningInfo) {
	f.mu.Lock()
	f.info = info
	listeners := append([]func(*mining.MiningInfo){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(info)
	}
}

func testInfo(height uint64) *mining.MiningInfo {
	bt, _ := new(big.Int).SetString("18446744073709551617", 10)
	return &mining.MiningInfo{Height: height, BaseTarget: bt, GenerationSignature: "abcd", TargetDeadline: 86400}
}

func TestBurst(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		form       url.Values
		info       *mining.MiningInfo
		result     *mining.SubmitResult
		wantStatus int
		wantBody   string
	}{
		{
			name:       "mining info",
			method:     http.MethodGet,
			path:       "/main/burst?requestType=getMiningInfo",
			info:       testInfo(500),
			wantStatus: http.StatusOK,
			wantBody:   `{"height":500,"baseTarget":18446744073709551617,"generationSignature":"abcd","targetDeadline":86400}`,
		},
		{
			name:       "mining info before first round",
			method:     http.MethodGet,
			path:       "/main/burst?requestType=getMiningInfo",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"error":{"message":"no mining info available yet","code":3}}`,
		},
		{
			name:       "submit via query",
			method:     http.MethodPost,
			path:       "/main/burst?requestType=submitNonce&accountId=123&nonce=9&blockheight=500&deadline=1000",
			result:     mining.Success(big.NewInt(42), true),
			wantStatus: http.StatusOK,
			wantBody:   `{"result":"success","deadline":42}`,
		},
		{
			name:       "submit via form",
			method:     http.MethodPost,
			path:       "/main/burst?requestType=submitNonce",
			form:       url.Values{"accountId": {"123"}, "nonce": {"9"}, "blockheight": {"500"}, "deadline": {"1000"}},
			result:     mining.Success(big.NewInt(7), false),
			wantStatus: http.StatusOK,
			wantBody:   `{"result":"success","deadline":7}`,
		},
		{
			name:       "submit rejected",
			method:     http.MethodPost,
			path:       "/main/burst?requestType=submitNonce&accountId=123&nonce=9&blockheight=499&deadline=1",
			result:     mining.Failure(mining.CodeDifferentRound, "submission for a different round"),
			wantStatus: http.StatusOK,
			wantBody:   `{"error":{"message":"submission for a different round","code":2}}`,
		},
		{
			name:       "unknown request type",
			method:     http.MethodGet,
			path:       "/main/burst?requestType=getBlock",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":{"message":"unknown requestType","code":1}}`,
		},
		{
			name:       "unknown proxy",
			method:     http.MethodGet,
			path:       "/other/burst?requestType=getMiningInfo",
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":{"message":"unknown proxy","code":1}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProxy{name: "main", info: tt.info, result: tt.result}
			srv := New(log.Nop(), []Proxy{p})

			var body io.Reader
			if tt.form != nil {
				body = strings.NewReader(tt.form.Encode())
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.form != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
			req.Header.Set(HeaderCapacity, "2048")
			req.Header.Set(HeaderMinerName, "rig-1")
			req.Header.Set(HeaderMiner, "scavenger 1.9")
			req.Header.Set(HeaderAccount, "key-1")

			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}
}

func TestBurst_MinerMeta(t *testing.T) {
	p := &fakeProxy{name: "main", result: mining.Success(big.NewInt(1), true)}
	srv := New(log.Nop(), []Proxy{p})

	req := httptest.NewRequest(http.MethodPost, "/main/burst?requestType=submitNonce&accountId=1&nonce=2&blockheight=3&secretPhrase=s3cret", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set(HeaderCapacity, "1024.5")
	req.Header.Set(HeaderMinerName, "rig-1")
	req.Header.Set(HeaderMiner, "scavenger 1.9")
	req.Header.Set(HeaderAccount, "key-1")
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if len(p.metas) != 1 {
		t.Fatalf("submissions = %d", len(p.metas))
	}
	want := mining.MinerMeta{ID: "192.0.2.7", Name: "rig-1", Software: "scavenger 1.9", Capacity: 1024.5, AccountKey: "key-1"}
	if p.metas[0] != want {
		t.Errorf("meta = %+v, want %+v", p.metas[0], want)
	}
	if raw := p.raws[0]; raw.SecretPhrase != "s3cret" || raw.Height != "3" || raw.Deadline != "" {
		t.Errorf("raw = %+v", raw)
	}
}

func TestStatus(t *testing.T) {
	p := &fakeProxy{name: "main", info: testInfo(500)}
	srv := New(log.Nop(), []Proxy{p})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/main/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp statusResponse
	if err := sonic.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Proxy != "main" || resp.MiningInfo == nil || resp.MiningInfo.Height != 500 || resp.TotalCapacity != 100 {
		t.Errorf("status = %+v", resp)
	}

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestServe_SharedPort(t *testing.T) {
	p := &fakeProxy{name: "main", info: testInfo(500), result: mining.Success(big.NewInt(99), true)}
	srv := New(log.Nop(), []Proxy{p})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}()

	addr := ln.Addr().String()

	// HTTP miner.
	resp, err := http.Get("http://" + addr + "/main/burst?requestType=getMiningInfo")
	if err != nil {
		t.Fatalf("http get: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"height":500`) {
		t.Fatalf("http response %d %s", resp.StatusCode, data)
	}

	// Line miner on the same port.
	notes := make(chan *stratum.Message, 4)
	dialCtx, dialCancel := context.WithTimeout(ctx, 2*time.Second)
	defer dialCancel()
	client, err := stratum.Dial(dialCtx, addr, func(m *stratum.Message) { notes <- m }, log.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	var ok bool
	if err := client.Call(dialCtx, stratum.MethodLogin, stratum.LoginParams{MinerName: "rig-2", Capacity: "512"}, &ok); err != nil || !ok {
		t.Fatalf("login = %v, %v", ok, err)
	}

	var info mining.MiningInfo
	if err := client.Call(dialCtx, stratum.MethodGetMiningInfo, nil, &info); err != nil || info.Height != 500 {
		t.Fatalf("getMiningInfo = %+v, %v", info, err)
	}

	var reply stratum.SubmitReply
	params := map[string]any{"accountId": 123, "height": 500, "nonce": 9, "deadline": "1000"}
	if err := client.Call(dialCtx, stratum.MethodSubmitNonce, params, &reply); err != nil {
		t.Fatalf("submitNonce error = %v", err)
	}
	if reply.Result != "success" || reply.Deadline.Int64() != 99 {
		t.Errorf("reply = %+v", reply)
	}

	p.mu.Lock()
	meta := p.metas[len(p.metas)-1]
	p.mu.Unlock()
	if meta.Name != "rig-2" || meta.Capacity != 512 || meta.ID != "127.0.0.1" {
		t.Errorf("line miner meta = %+v", meta)
	}

	p.activate(testInfo(501))
	select {
	case n := <-notes:
		var pushed mining.MiningInfo
		if n.Method != stratum.MethodMiningInfo || n.DecodeParams(&pushed) != nil || pushed.Height != 501 {
			t.Errorf("notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("round notification not delivered")
	}

	p.mu.Lock()
	p.result = mining.Failure(mining.CodeDifferentRound, "submission for a different round")
	p.mu.Unlock()
	err = client.Call(dialCtx, stratum.MethodSubmitNonce, params, &reply)
	if err == nil || !strings.Contains(err.Error(), "different round") {
		t.Errorf("rejected submit error = %v", err)
	}
}

func TestLineLogin_UnknownProxy(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	p := &fakeProxy{name: "main"}
	srv := New(log.Nop(), []Proxy{p})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.wg.Add(1)
	go srv.handleConnection(ctx, serverConn)

	client := stratum.NewClient(clientConn, nil, log.Nop())
	defer func() { _ = client.Close() }()

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	err := client.Call(callCtx, stratum.MethodLogin, stratum.LoginParams{MinerName: "rig", Proxy: "nope"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown proxy") {
		t.Errorf("login error = %v", err)
	}
}
