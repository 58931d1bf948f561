package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "nodeadm-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedNode(t *testing.T, store *db.Store, ctx context.Context, nodeID string) model.Node {
	t.Helper()
	node := model.Node{
		NodeID:    nodeID,
		Health:    model.LinkHealthOK,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.UpsertNode(ctx, node); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	return node
}
