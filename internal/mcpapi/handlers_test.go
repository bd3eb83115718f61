package mcpapi

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/baruch/disksurvey/internal/config"
	"github.com/baruch/disksurvey/internal/diskinfo"
	"github.com/baruch/disksurvey/internal/hostid"
	"github.com/baruch/disksurvey/internal/manager"
	"github.com/baruch/disksurvey/internal/offthread"
	"github.com/baruch/disksurvey/internal/sgio"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.StateFile = filepath.Join(t.TempDir(), "disksurvey.dat")
	pool := offthread.New(2)
	t.Cleanup(pool.Stop)

	calls := 0
	mgr := manager.New(cfg, hostid.Identity{ID: "test-host"}, pool, nil,
		manager.WithGlobFunc(func(string) ([]string, error) {
			calls++
			if calls > 1 {
				return nil, nil
			}
			return []string{"/dev/sg0"}, nil
		}),
		manager.WithScanFunc(func(context.Context, string) (diskinfo.Info, error) {
			return diskinfo.Info{Vendor: "ATA     ", Model: "WDC WD10EZEX", Serial: "S0", Kind: diskinfo.KindATA}, nil
		}),
		manager.WithOpenFunc(func(string) (*sgio.Handle, error) { return sgio.NewNoopHandle(), nil }),
	)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mgr.Run(runCtx)
	return mgr
}

func TestHandleListDisksReturnsJSONArray(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan: %v", err)
	}

	res, err := handleListDisks(mgr)(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got IsError")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent")
	}
	var disks []map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Text), &disks); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if len(disks) != 1 {
		t.Fatalf("expected 1 disk, got %d", len(disks))
	}
}

func TestHandleTriggerRescanAdoptsNewDisks(t *testing.T) {
	mgr := newTestManager(t)

	res, err := handleTriggerRescan(mgr)(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got IsError")
	}
	if mgr.AliveCount(context.Background()) != 1 {
		t.Fatalf("expected trigger_rescan to adopt the discovered disk, AliveCount = %d", mgr.AliveCount(context.Background()))
	}
}

func TestNewTextResult(t *testing.T) {
	result := newTextResult("hello")
	if result.IsError {
		t.Fatal("newTextResult should not set IsError")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok || tc.Text != "hello" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestErrResult(t *testing.T) {
	result := errResult("boom")
	if !result.IsError {
		t.Fatal("errResult should set IsError=true")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok || tc.Text != "boom" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
}

func TestNewServer(t *testing.T) {
	mgr := newTestManager(t)
	srv := NewServer(mgr, "1.0.0-test")
	if srv == nil || srv.mcpServer == nil {
		t.Fatal("NewServer returned an incomplete Server")
	}
}
