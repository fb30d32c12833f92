package main

import (
	"context"
	"testing"

	"github.com/spf13/viper"

	"stagegate/internal/engine"
	"stagegate/internal/repo"
)

func useTempWorkspace(t *testing.T) {
	t.Helper()
	old := viper.GetString("workspace")
	viper.Set("workspace", t.TempDir())
	t.Cleanup(func() { viper.Set("workspace", old) })
}

func TestWithRepoOpensWorkspace(t *testing.T) {
	useTempWorkspace(t)
	err := withRepo(context.Background(), func(ctx context.Context, r repo.Repo) error {
		items, err := r.LatestEvents(ctx, 5, "", "")
		if err != nil {
			return err
		}
		if len(items) != 0 {
			t.Errorf("fresh workspace has %d events", len(items))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRepo: %v", err)
	}
}

func TestWithEngineWiresCollaborators(t *testing.T) {
	useTempWorkspace(t)
	err := withEngine(context.Background(), func(ctx context.Context, e *engine.Engine) error {
		if e.Signer == nil || e.Verifier == nil {
			t.Errorf("collaborator clients not wired")
		}
		if e.Config.StageCount() != 4 {
			t.Errorf("default schedule has %d stages", e.Config.StageCount())
		}
		streams, err := e.ListStreams(ctx)
		if err != nil {
			return err
		}
		if len(streams) != 0 {
			t.Errorf("fresh workspace has %d streams", len(streams))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withEngine: %v", err)
	}
}
