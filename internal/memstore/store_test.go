package memstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memories.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetUserMemories(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.UpsertAndSupersede(ctx, "user-1", "chat-1", []NewMemory{
		{Category: CategoryGlobalRule, Content: "Always answer in French."},
		{Category: CategoryPersonalFact, Content: "Works as a data analyst."},
		{Category: "bogus", Content: "should be dropped"},
		{Category: CategoryGlobalRule, Content: "   "},
	})
	if err != nil {
		t.Fatalf("UpsertAndSupersede: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 inserted, got %d", len(inserted))
	}

	got, err := s.GetUserMemories(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("GetUserMemories: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 memories, got %d", len(got))
	}

	other, err := s.GetUserMemories(ctx, "user-2", "")
	if err != nil {
		t.Fatalf("GetUserMemories other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("memories leaked across users: %+v", other)
	}
}

func TestGetUserMemoriesExcludesChat(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertAndSupersede(ctx, "user-1", "chat-1", []NewMemory{
		{Category: CategoryPersonalFact, Content: "From chat one."},
	}); err != nil {
		t.Fatalf("UpsertAndSupersede: %v", err)
	}
	if _, err := s.UpsertAndSupersede(ctx, "user-1", "chat-2", []NewMemory{
		{Category: CategoryPersonalFact, Content: "From chat two."},
	}); err != nil {
		t.Fatalf("UpsertAndSupersede: %v", err)
	}

	got, err := s.GetUserMemories(ctx, "user-1", "chat-1")
	if err != nil {
		t.Fatalf("GetUserMemories: %v", err)
	}
	if len(got) != 1 || got[0].Content != "From chat two." {
		t.Fatalf("exclusion failed: %+v", got)
	}
}

func TestSupersession(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertAndSupersede(ctx, "user-1", "chat-1", []NewMemory{
		{Category: CategoryGlobalRule, Content: "Answer in French."},
	})
	if err != nil {
		t.Fatalf("UpsertAndSupersede: %v", err)
	}
	oldID := first[0].MemoryID

	second, err := s.UpsertAndSupersede(ctx, "user-1", "chat-2", []NewMemory{
		{Category: CategoryGlobalRule, Content: "Answer in German.", SupersedesID: oldID},
	})
	if err != nil {
		t.Fatalf("UpsertAndSupersede supersede: %v", err)
	}
	newID := second[0].MemoryID

	live, err := s.GetUserMemories(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("GetUserMemories: %v", err)
	}
	if len(live) != 1 || live[0].MemoryID != newID {
		t.Fatalf("expected only the replacement to be live: %+v", live)
	}

	// Superseding an already-superseded memory is a no-op: the forward
	// pointer is written at most once.
	third, err := s.UpsertAndSupersede(ctx, "user-1", "chat-3", []NewMemory{
		{Category: CategoryGlobalRule, Content: "Answer in Spanish.", SupersedesID: oldID},
	})
	if err != nil {
		t.Fatalf("UpsertAndSupersede stale target: %v", err)
	}
	live, err = s.GetUserMemories(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("GetUserMemories: %v", err)
	}
	ids := map[string]bool{}
	for _, m := range live {
		ids[m.MemoryID] = true
	}
	if len(live) != 2 || !ids[newID] || !ids[third[0].MemoryID] {
		t.Fatalf("stale supersession must not hide the live replacement: %+v", live)
	}
}

func TestUpdateContentAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.UpsertAndSupersede(ctx, "user-1", "", []NewMemory{
		{Category: CategoryPersonalFact, Content: "Original."},
	})
	if err != nil {
		t.Fatalf("UpsertAndSupersede: %v", err)
	}
	id := inserted[0].MemoryID

	if err := s.UpdateContent(ctx, "user-1", id, "Edited."); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}
	got, err := s.GetUserMemories(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("GetUserMemories: %v", err)
	}
	if len(got) != 1 || got[0].Content != "Edited." {
		t.Fatalf("edit lost: %+v", got)
	}

	if err := s.UpdateContent(ctx, "user-2", id, "Hijack."); err == nil {
		t.Fatal("expected ownership check to fail")
	}
	if err := s.Delete(ctx, "user-1", id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "user-1", id); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestMemoryEnablement(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	enabled, err := s.IsMemoryEnabled(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("IsMemoryEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("memory must default to enabled")
	}

	if err := s.SetProjectEnabled(ctx, "proj-1", false); err != nil {
		t.Fatalf("SetProjectEnabled: %v", err)
	}
	enabled, err = s.IsMemoryEnabled(ctx, "user-1", "proj-1")
	if err != nil {
		t.Fatalf("IsMemoryEnabled: %v", err)
	}
	if enabled {
		t.Fatal("project opt-out must win")
	}

	// Another project is unaffected.
	enabled, err = s.IsMemoryEnabled(ctx, "user-1", "proj-2")
	if err != nil {
		t.Fatalf("IsMemoryEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("unrelated project should stay enabled")
	}

	if err := s.SetUserEnabled(ctx, "user-1", false); err != nil {
		t.Fatalf("SetUserEnabled: %v", err)
	}
	enabled, err = s.IsMemoryEnabled(ctx, "user-1", "proj-2")
	if err != nil {
		t.Fatalf("IsMemoryEnabled: %v", err)
	}
	if enabled {
		t.Fatal("user opt-out must win")
	}

	if err := s.SetUserEnabled(ctx, "user-1", true); err != nil {
		t.Fatalf("SetUserEnabled: %v", err)
	}
	enabled, err = s.IsMemoryEnabled(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("IsMemoryEnabled: %v", err)
	}
	if !enabled {
		t.Fatal("re-enable failed")
	}
}
