package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/config"
	"github.com/JakeFAU/gradepop-crawler/internal/history"
	"github.com/JakeFAU/gradepop-crawler/internal/kv/sqlstore"
	"github.com/JakeFAU/gradepop-crawler/internal/registry"
	"github.com/JakeFAU/gradepop-crawler/internal/scheduler"
)

func testConfig(t *testing.T, catalogURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Crawler.ProbeURL = ""
	cfg.Crawler.MinDelay = 0
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.Sources = []registry.Source{
		{
			Key:                 "card_data.catalog",
			DisplayName:         "Catalog",
			Enabled:             true,
			Priority:            registry.PriorityHigh,
			UpdateIntervalHours: 24,
			Type:                registry.TypeCardData,
			Endpoint:            catalogURL,
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildServesAPIAndRunsUpdates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/catalog.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cards":[{"name":"Charizard","series":"Base Set","number":"4"},{"name":""}]}`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	ctx := context.Background()
	app, err := Build(ctx, testConfig(t, origin.URL+"/catalog.json"), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()
	require.NoError(t, app.LoadState(ctx))

	handler := app.apiServer.Handler()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := bytes.NewBufferString(`{"sources":["card_data.catalog"]}`)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/updates", body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res scheduler.ManualResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Success)
	require.Equal(t, 1, res.Summary.Successful)
	require.Equal(t, 1, res.Results["card_data.catalog"].UnitsUpdated)

	status := app.Orchestrator().ServiceStatus()
	require.NotNil(t, status.LastRun)
	require.Equal(t, res.RunID, status.LastRun.ID)
	require.NotNil(t, status.NextRun)
	require.True(t, status.NextRun.After(time.Now()))
}

func TestBuildRejectsBadAuthoritiesFile(t *testing.T) {
	cfg := testConfig(t, "https://example.com/catalog.json")
	cfg.Crawler.AuthoritiesFile = "/does/not/exist.yaml"
	_, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "load authorities")
}

func TestRunShutdownRecordsInFlightRun(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/catalog.json", func(w http.ResponseWriter, _ *http.Request) {
		close(reached)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cards":[{"name":"Blastoise","series":"Base Set","number":"2"}]}`))
	})
	origin := httptest.NewServer(mux)
	defer origin.Close()

	dsn := filepath.Join(t.TempDir(), "kv.db")
	cfg := testConfig(t, origin.URL+"/catalog.json")
	cfg.Server.Port = 0
	cfg.KV.Driver = config.BackendSQLite
	cfg.KV.DSN = dsn

	app, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- app.Run(ctx) }()

	manual := make(chan scheduler.ManualResult, 1)
	go func() {
		res, _ := app.Orchestrator().TriggerManualUpdate(context.Background(), "card_data.catalog")
		manual <- res
	}()
	<-reached

	cancel()
	select {
	case err := <-runDone:
		t.Fatalf("Run returned before the in-flight run was recorded: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-runDone)
	res := <-manual
	require.True(t, res.Success)

	store, err := sqlstore.Open(context.Background(), config.BackendSQLite, dsn, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	restored := history.New(10, store, nil)
	require.NoError(t, restored.Load(context.Background()))
	require.Equal(t, 1, restored.Len())
	last, ok := restored.Last()
	require.True(t, ok)
	require.Equal(t, res.RunID, last.ID)
}
