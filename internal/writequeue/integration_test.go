package writequeue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var integrationCounter uint64

func TestPostgresIntegrationFIFOAndDuplicate(t *testing.T) {
	dsn := integrationDSN(t, "OFFLINEAGENT_TEST_POSTGRES_DSN")
	backend, err := NewPostgresBackend(dsn, 8)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = integrationName("offlineagent_wq_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})
	runIntegrationContract(t, backend)
}

func TestPostgresIntegrationCapacityUnderConcurrentAppend(t *testing.T) {
	dsn := integrationDSN(t, "OFFLINEAGENT_TEST_POSTGRES_DSN")
	backend, err := NewPostgresBackend(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = integrationName("offlineagent_wq_race_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			op := PendingOperation{ID: fmt.Sprintf("op_%d", n), Tag: "feedback-sync", Endpoint: "https://example.com", Method: http.MethodPost, State: StatePending}
			if backend.Append(context.Background(), op) == nil {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful append at capacity=1, got %d", got)
	}
}

func TestMongoIntegrationFIFOAndDuplicate(t *testing.T) {
	dsn := integrationDSN(t, "OFFLINEAGENT_TEST_MONGO_DSN")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	db := client.Database(integrationName("offlineagent_wq_it"))
	backend, err := newMongoBackend(ctx, client, db, 8)
	if err != nil {
		t.Fatalf("new mongo backend: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = backend.Close()
	})
	runIntegrationContract(t, backend)
}

func runIntegrationContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		tag := "evaluation-sync"
		if id == "b" {
			tag = "feedback-sync"
		}
		op := PendingOperation{ID: id, Tag: tag, Endpoint: "https://example.com/" + id, Method: http.MethodPost, Payload: []byte(id), CreatedAt: created, State: StatePending}
		if err := backend.Append(ctx, op); err != nil {
			t.Fatalf("append %s failed: %v", id, err)
		}
	}
	if err := backend.Append(ctx, PendingOperation{ID: "a", Tag: "evaluation-sync", State: StatePending}); !errors.Is(err, ErrDuplicateOperation) {
		t.Fatalf("expected ErrDuplicateOperation, got %v", err)
	}
	items, err := backend.List(ctx, "evaluation-sync")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].ID != "c" || string(items[0].Payload) != "a" {
		t.Fatalf("unexpected tag listing %+v", items)
	}

	next := created.Add(time.Minute)
	items[0].RetryCount = 1
	items[0].LastError = "boom"
	items[0].NextAttemptAt = &next
	if err := backend.Update(ctx, items[0]); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, ok, err := backend.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if got.RetryCount != 1 || got.LastError != "boom" || got.NextAttemptAt == nil {
		t.Fatalf("unexpected updated op %+v", got)
	}

	removed, err := backend.Remove(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("remove failed: removed=%v err=%v", removed, err)
	}
	depth, err := backend.Depth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2, got %d err=%v", depth, err)
	}
}

func integrationDSN(t *testing.T, envKey string) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(envKey))
	if dsn == "" {
		t.Skipf("set %s to run this integration test", envKey)
	}
	return dsn
}

func integrationName(prefix string) string {
	n := atomic.AddUint64(&integrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
