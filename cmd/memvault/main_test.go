package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memvault/internal/config"
	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
	"github.com/fyrsmithlabs/memvault/internal/message"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Root = t.TempDir()
	cfg.Logging.Level = "error"
	return cfg
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "memvault "+version)
	assert.Contains(t, buf.String(), "commit:")
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "mcp", "put", "fetch", "list", "stat", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestApplyOverrides(t *testing.T) {
	storeRoot, logLevel = "/tmp/memvault-override", "debug"
	t.Cleanup(func() { storeRoot, logLevel = "", "" })

	cfg := config.Default()
	applyOverrides(cfg)
	assert.Equal(t, "/tmp/memvault-override", cfg.Store.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestNewApp_InvalidSummarizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Summarizer.Provider = "carrier-pigeon"
	_, err := newApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarizer")
}

func TestPutFetchListStat(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var lines []string
	for i := 1; i <= 100; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	content := []byte(strings.Join(lines, "\n"))

	var out bytes.Buffer
	opts := memstore.PutOptions{Type: memstore.TypeLog, Title: "build.log"}
	require.NoError(t, runPut(ctx, a, &out, content, opts, false))

	var put struct {
		MemoryID string `json:"memory_id"`
		URI      string `json:"uri"`
		Kind     string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &put))
	assert.Equal(t, memstore.ComputeID(content), put.MemoryID)
	assert.Equal(t, "mem://"+put.MemoryID, put.URI)
	assert.Equal(t, string(memstore.KindText), put.Kind)

	req, err := buildFetchRequest(put.URI, "10:12", "")
	require.NoError(t, err)
	res, err := a.gateway.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "line 10\nline 11\nline 12", res.Content)

	out.Reset()
	require.NoError(t, runList(ctx, a, &out, "log", 0))
	var objs []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &objs))
	require.Len(t, objs, 1)
	assert.Equal(t, put.MemoryID, objs[0]["memory_id"])

	out.Reset()
	require.NoError(t, runList(ctx, a, &out, "DOCUMENT", 0))
	assert.Equal(t, "[]\n", out.String())

	obj, err := a.gateway.Stat(ctx, put.MemoryID)
	require.NoError(t, err)
	assert.Equal(t, "build.log", obj.Title)
}

func TestRunPut_Binary(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer
	data := []byte{0x00, 0x01, 0xff, 0xfe, 0x00}
	require.NoError(t, runPut(context.Background(), a, &out, data, memstore.PutOptions{}, false))

	var obj struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &obj))
	assert.Equal(t, string(memstore.KindBytes), obj.Kind)
}

func TestRunList_InvalidType(t *testing.T) {
	a := newTestApp(t)
	err := runList(context.Background(), a, &bytes.Buffer{}, "spreadsheet", 0)
	assert.Error(t, err)
}

func TestPutOptions(t *testing.T) {
	putType, putTitle = "tool_output", ""
	t.Cleanup(func() { putType, putTitle = "", "" })

	opts, err := putOptions("out.txt")
	require.NoError(t, err)
	assert.Equal(t, memstore.TypeToolOutput, opts.Type)
	assert.Equal(t, "out.txt", opts.Title)

	putType = "nonsense"
	_, err = putOptions("")
	assert.Error(t, err)
}

func TestBuildFetchRequest(t *testing.T) {
	id := memstore.ComputeID([]byte("x"))
	tests := []struct {
		name    string
		target  string
		lines   string
		bytes   string
		want    fetch.Request
		wantErr bool
	}{
		{name: "bare id", target: id, want: fetch.Request{MemoryID: id}},
		{name: "id with lines", target: id, lines: "5:9", want: fetch.Request{MemoryID: id, LineStart: 5, LineEnd: 9}},
		{name: "id with bytes", target: id, bytes: "100:50", want: fetch.Request{MemoryID: id, ByteOffset: 100, ByteLen: 50}},
		{
			name:   "uri range",
			target: message.FormatURI(id, &message.LineRange{Start: 3, End: 7}, nil),
			want:   fetch.Request{MemoryID: id, LineStart: 3, LineEnd: 7},
		},
		{
			name:   "flag replaces uri range",
			target: message.FormatURI(id, &message.LineRange{Start: 3, End: 7}, nil),
			bytes:  "0:10",
			want:   fetch.Request{MemoryID: id, ByteLen: 10},
		},
		{name: "bad uri", target: "http://example.com", wantErr: true},
		{name: "bad lines", target: id, lines: "5", wantErr: true},
		{name: "bad bytes", target: id, bytes: "a:b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildFetchRequest(tt.target, tt.lines, tt.bytes)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadInput(t *testing.T) {
	data, name, err := readInput(strings.NewReader("from stdin"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(data))
	assert.Empty(t, name)

	data, _, err = readInput(strings.NewReader("dash"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "dash", string(data))

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o600))
	data, name, err = readInput(nil, []string{path})
	require.NoError(t, err)
	assert.Equal(t, "file body", string(data))
	assert.Equal(t, "notes.txt", name)

	_, _, err = readInput(nil, []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestApp_Reload(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.Governor.WarningTokens = 1000
	cfg.Governor.CriticalTokens = 2000
	a.reload(ctx, cfg)
	assert.Equal(t, governor.Thresholds{
		WarningRatio: 0.70, CriticalRatio: 0.85, WarningTokens: 1000, CriticalTokens: 2000,
	}, a.governor.Thresholds())

	bad := config.Default()
	bad.Governor.WarningTokens = 3000
	bad.Governor.CriticalTokens = 10
	a.reload(ctx, bad)
	assert.Equal(t, 1000, a.governor.Thresholds().WarningTokens)
}

func TestNewMCPServer(t *testing.T) {
	a := newTestApp(t)
	srv, err := newMCPServer(a)
	require.NoError(t, err)
	assert.Equal(t, 4, srv.Registry().Count())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServe(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping server test")
	}
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- runServe(ctx, cfg, false) }()

	client := &http.Client{Timeout: time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
