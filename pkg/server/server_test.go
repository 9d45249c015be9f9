package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"comments-relay/pkg/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Mode = gin.TestMode
	cfg.Server.HTTP.Addr = "127.0.0.1:0"
	cfg.Server.GRPC.Addr = "127.0.0.1:0"
	return cfg
}

func TestServersServeHealth(t *testing.T) {
	sm := NewServerManager(testConfig(), kratoslog.DefaultLogger)
	hs := sm.EnableHTTP()
	gs := sm.EnableGRPC()
	hs.AddHealthCheck("ledger", func(context.Context) error { return errors.New("rpc down") })

	ctx := context.Background()
	if err := sm.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer sm.StopAll(ctx)

	resp, err := http.Get("http://" + hs.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["ledger"] != "rpc down" {
		t.Fatalf("body = %+v", body)
	}

	conn, err := grpc.NewClient(gs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	hr, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if hr.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("grpc health = %v", hr.Status)
	}
}

func TestStartAllFailsOnBusyPort(t *testing.T) {
	first := NewServerManager(testConfig(), kratoslog.DefaultLogger)
	hs := first.EnableHTTP()
	ctx := context.Background()
	if err := first.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer first.StopAll(ctx)

	cfg := testConfig()
	cfg.Server.HTTP.Addr = hs.Addr()
	second := NewServerManager(cfg, kratoslog.DefaultLogger)
	second.EnableGRPC()
	second.EnableHTTP()
	if err := second.StartAll(ctx); err == nil {
		t.Fatal("want bind error")
	}
}
