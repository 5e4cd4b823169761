package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/jurisnexo/relay/go/internal/config"
	"github.com/jurisnexo/relay/go/internal/events"
)

func TestMigratePrint(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--print", "--env-file", t.TempDir() + "/missing.env"})
	if err := root.Execute(); err == nil {
		t.Fatal("missing explicit env file was accepted")
	}

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--print"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, table := range []string{"crm_messages", "crm_meetings", "crm_conversations", "crm_audit_logs"} {
		if !strings.Contains(out.String(), table) {
			t.Errorf("schema output missing %s", table)
		}
	}
}

func TestBuildWorkersWithMemoryStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Store.Driver = "memory"

	a := newApp(cfg)
	defer a.Close()
	if err := a.openStore(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.connectNATS("test"); err != nil {
		t.Fatal(err)
	}
	if err := a.buildWorkers(ctx, events.Nop{}); err != nil {
		t.Fatalf("buildWorkers: %v", err)
	}

	var names []string
	for _, r := range a.runners {
		names = append(names, r.Name())
	}
	if got := strings.Join(names, ","); got != "delivery,meeting,sla" {
		t.Fatalf("runners = %s", got)
	}

	status := a.healthChecker().Check(ctx)
	if status.Healthy {
		t.Fatal("checker reported healthy before runners started")
	}
	if err := a.startRunners(ctx); err != nil {
		t.Fatal(err)
	}
	if status := a.healthChecker().Check(ctx); !status.Healthy {
		t.Fatalf("errors = %v", status.Errors)
	}
}

func TestRealtimeServiceRequiresSecret(t *testing.T) {
	a := newApp(config.Default())
	if _, err := a.realtimeService(context.Background(), false); err == nil {
		t.Fatal("gateway started without JWT_SECRET")
	}
}
