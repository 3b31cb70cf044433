package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/app-usage-collector/internal/app"
	"github.com/JakeFAU/app-usage-collector/internal/clock/system"
	"github.com/JakeFAU/app-usage-collector/internal/collector"
	"github.com/JakeFAU/app-usage-collector/internal/config"
	"github.com/JakeFAU/app-usage-collector/internal/storage"
	"github.com/JakeFAU/app-usage-collector/internal/storage/memory"
	"github.com/JakeFAU/app-usage-collector/internal/tokens"
)

const testConfig = `
db:
  driver: memory
logging:
  level: error
collector:
  concurrency: 2
  backfill_after_collect: false
  catalog:
    - model_name: alpha
      display_name: Alpha
    - model_name: beta
      display_name: Beta
`

type fakeGateway struct {
	usage map[string][]collector.UsageEntry
}

func (g fakeGateway) Usage(_ context.Context, sourceKey string) ([]collector.UsageEntry, error) {
	entries, ok := g.usage[sourceKey]
	if !ok {
		return nil, errors.New("listing unreachable")
	}
	return entries, nil
}

func (fakeGateway) Details(_ context.Context, appURL string) (collector.AppDetails, error) {
	return collector.AppDetails{Name: "Cline", Description: "agent at " + appURL}, nil
}

func (fakeGateway) Category(context.Context, string) (collector.Category, error) {
	return collector.CategoryCoding, nil
}

// useTestApp swaps the app factory for one backed by an in-memory store.
func useTestApp(t *testing.T, gw collector.Gateway) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	previous := newApp
	newApp = func(_ context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		return app.NewWithServices(cfg, store, gw, system.Fixed(now), logger), nil
	}
	t.Cleanup(func() { newApp = previous })
	return store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithConfig(t, testConfig, args...)
}

func executeWithConfig(t *testing.T, body string, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--config", path}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func defaultGateway() fakeGateway {
	return fakeGateway{usage: map[string][]collector.UsageEntry{
		"alpha": {{Name: "Cline", URL: "https://cline.bot", Tokens: tokens.FromInt64(1200000)}},
		"beta":  {{Name: "Cline", URL: "https://cline.bot", Tokens: tokens.FromInt64(800000)}},
	}}
}

func TestUsageCommand_SingleModel(t *testing.T) {
	useTestApp(t, defaultGateway())

	out, err := execute(t, "usage", "--model", "alpha")
	require.NoError(t, err)

	var listing sourceListing
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.Equal(t, "alpha", listing.Model)
	require.Len(t, listing.Apps, 1)
	assert.Equal(t, "https://cline.bot", listing.Apps[0].URL)
	amount, ok := listing.Apps[0].Tokens.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(1200000), amount)
}

func TestUsageCommand_AllSourcesReportsFailuresInline(t *testing.T) {
	useTestApp(t, fakeGateway{usage: map[string][]collector.UsageEntry{
		"alpha": {{Name: "Cline", URL: "https://cline.bot", Tokens: tokens.FromInt64(5)}},
	}})

	out, err := execute(t, "usage")
	require.NoError(t, err)

	var listings []sourceListing
	require.NoError(t, json.Unmarshal([]byte(out), &listings))
	require.Len(t, listings, 2)
	assert.Empty(t, listings[0].Error)
	assert.Equal(t, "beta", listings[1].Model)
	assert.Contains(t, listings[1].Error, "listing unreachable")
	assert.Empty(t, listings[1].Apps)
}

func TestUsageCommand_AllFailedIsAnError(t *testing.T) {
	useTestApp(t, fakeGateway{})

	_, err := execute(t, "usage", "--model", "alpha")
	require.Error(t, err)
}

func TestBatchCollectThenStats(t *testing.T) {
	store := useTestApp(t, defaultGateway())

	out, err := execute(t, "batch-collect")
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))

	records, err := store.ListUsageByRun(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	out, err = execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "Others")

	out, err = execute(t, "stats", "--json")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, float64(1), stats["run_id"])
}

func TestStatsCommand_NoRuns(t *testing.T) {
	useTestApp(t, defaultGateway())

	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "No collection runs yet")
}

func TestBatchAppsCommand(t *testing.T) {
	store := useTestApp(t, defaultGateway())
	_, err := execute(t, "batch-collect")
	require.NoError(t, err)

	_, err = execute(t, "batch-apps", "--policy", "everything")
	require.Error(t, err)

	_, err = execute(t, "batch-apps", "--policy", "category_only")
	require.NoError(t, err)

	identities, err := store.ListIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, identities, 1)
	require.NotNil(t, identities[0].Category)
	assert.Equal(t, collector.CategoryCoding, *identities[0].Category)
	assert.Nil(t, identities[0].Description)
}

func TestAppsCommand(t *testing.T) {
	useTestApp(t, defaultGateway())

	_, err := execute(t, "apps")
	require.Error(t, err)

	target := filepath.Join(t.TempDir(), "app.json")
	out, err := execute(t, "apps", "--url", "https://cline.bot", "--output", target)
	require.NoError(t, err)
	assert.Empty(t, out)

	body, err := os.ReadFile(target)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "Cline", info["name"])
	assert.Equal(t, "Coding", info["category"])
}

func TestMigrateCommand_SkipsAppConstruction(t *testing.T) {
	previous := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("app must not be built for migrate")
	}
	t.Cleanup(func() { newApp = previous })

	_, err := execute(t, "migrate", "up")
	require.NoError(t, err)

	_, err = execute(t, "migrate", "sideways")
	require.Error(t, err)
}

func TestRootCommand_AppFactoryFailure(t *testing.T) {
	previous := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("boom")
	}
	t.Cleanup(func() { newApp = previous })

	_, err := execute(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

func TestReadOnlyCommandsRunWithoutDatabase(t *testing.T) {
	var drivers []string
	previous := newApp
	newApp = func(_ context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		drivers = append(drivers, cfg.DB.Driver)
		return app.NewWithServices(cfg, memory.NewStore(), defaultGateway(), system.New(), logger), nil
	}
	t.Cleanup(func() { newApp = previous })

	const noDatabase = `
logging:
  level: error
collector:
  catalog:
    - model_name: alpha
`
	out, err := executeWithConfig(t, noDatabase, "usage", "--model", "alpha")
	require.NoError(t, err)
	assert.Contains(t, out, "https://cline.bot")

	out, err = executeWithConfig(t, noDatabase, "apps", "--url", "https://cline.bot/")
	require.NoError(t, err)
	assert.Contains(t, out, "Coding")

	_, err = executeWithConfig(t, noDatabase, "stats")
	require.NoError(t, err)

	assert.Equal(t, []string{config.DriverMemory, config.DriverMemory, config.DriverPostgres}, drivers)
}

func TestMigrateCommand_RequiresDSNForPostgres(t *testing.T) {
	_, err := executeWithConfig(t, "logging:\n  level: error\n", "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn")
}

type uploadedObject struct {
	bucket, path, contentType string
	metadata                  map[string]string
	body                      []byte
}

type fakeBucket struct {
	bucket   string
	metadata map[string]string
	uploads  *[]uploadedObject
}

func (b fakeBucket) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	*b.uploads = append(*b.uploads, uploadedObject{bucket: b.bucket, path: path, contentType: contentType, metadata: b.metadata, body: body})
	return "gs://" + b.bucket + "/" + path, nil
}

func TestGCSOutputCarriesCommandMetadata(t *testing.T) {
	var uploads []uploadedObject
	previous := newApp
	newApp = func(_ context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		a := app.NewWithServices(cfg, memory.NewStore(), defaultGateway(), system.New(), logger)
		a.SetOutput(&storage.Writer{OpenGCS: func(_ context.Context, bucket string, metadata map[string]string) (storage.BlobStore, func() error, error) {
			return fakeBucket{bucket: bucket, metadata: metadata, uploads: &uploads}, func() error { return nil }, nil
		}})
		return a, nil
	}
	t.Cleanup(func() { newApp = previous })

	out, err := execute(t, "apps", "--url", "https://cline.bot", "--output", "gs://reports/apps/cline.json")
	require.NoError(t, err)
	assert.Empty(t, out)

	require.Len(t, uploads, 1)
	assert.Equal(t, "reports", uploads[0].bucket)
	assert.Equal(t, "apps/cline.json", uploads[0].path)
	assert.Equal(t, "application/json", uploads[0].contentType)
	assert.Equal(t, "apps", uploads[0].metadata["command"])
	assert.Equal(t, serviceName, uploads[0].metadata["generator"])
	assert.Contains(t, string(uploads[0].body), "https://cline.bot")
}
