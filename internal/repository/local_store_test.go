package repository

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

func sampleConversations() []domain.Conversation {
	created := time.UnixMilli(1700000000000).UTC()
	last := created.Add(2 * time.Second)
	return []domain.Conversation{
		{
			ID:                 "c1",
			Origin:             domain.OriginLocal,
			Title:              "Algebra help",
			CreatedAt:          created,
			UpdatedAt:          last,
			LastMessagePreview: "x = 4",
			LastMessageAt:      &last,
			Messages: []domain.Message{
				{ID: "m1", Role: domain.RoleUser, Content: "2x = 8", CreatedAt: created.Add(time.Second)},
				{ID: "m2", Role: domain.RoleAssistant, Content: "x = 4", CreatedAt: last},
			},
		},
		{
			ID:        "c2",
			Origin:    domain.OriginLocal,
			Title:     "Essay draft",
			CreatedAt: created,
			UpdatedAt: created,
			Messages: []domain.Message{
				{
					ID:      "m3",
					Role:    domain.RoleUser,
					Content: "look",
					Attachments: []domain.Attachment{
						{ID: "a1", EncodedData: "AAEC", MediaType: "image/png", Name: "a.png", ByteSize: 3},
					},
					CreatedAt: created,
				},
			},
		},
	}
}

func TestFileLocalStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewFileLocalStore(filepath.Join(t.TempDir(), "conversations.json"), zap.NewNop())
	in := sampleConversations()

	if err := store.SaveAll(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out := store.LoadAll()
	if len(out) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(out))
	}
	if out[0].Title != "Algebra help" || out[1].Title != "Essay draft" {
		t.Fatalf("expected order preserved, got %q, %q", out[0].Title, out[1].Title)
	}
	if !out[0].UpdatedAt.Equal(in[0].UpdatedAt) || out[0].LastMessageAt == nil || !out[0].LastMessageAt.Equal(*in[0].LastMessageAt) {
		t.Fatalf("timestamps not preserved: %+v", out[0])
	}
	if len(out[0].Messages) != 2 || out[0].Messages[1].Role != domain.RoleAssistant {
		t.Fatalf("messages not preserved: %+v", out[0].Messages)
	}
	att := out[1].Messages[0].Attachments
	if len(att) != 1 || att[0].ByteSize != 3 || att[0].MediaType != "image/png" {
		t.Fatalf("attachments not preserved: %+v", att)
	}
	if out[1].Origin != domain.OriginLocal {
		t.Fatalf("expected local origin, got %q", out[1].Origin)
	}
}

func TestFileLocalStore_CorruptAndMissingAreEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversations.json")
	store := NewFileLocalStore(path, zap.NewNop())

	if out := store.LoadAll(); out == nil || len(out) != 0 {
		t.Fatalf("expected empty for missing snapshot, got %+v", out)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out := store.LoadAll(); len(out) != 0 {
		t.Fatalf("expected empty for corrupt snapshot, got %+v", out)
	}

	if err := os.WriteFile(path, []byte(`{"version":1,"conversations":[{"id":"c1","messages":[{"id":"m","role":"robot"}]}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out := store.LoadAll(); len(out) != 0 {
		t.Fatalf("expected invalid role to be treated as corrupt, got %+v", out)
	}
}

func TestFileLocalStore_ClearAndLastWriterWins(t *testing.T) {
	store := NewFileLocalStore(filepath.Join(t.TempDir(), "nested", "conversations.json"), nil)
	convs := sampleConversations()

	if err := store.SaveAll(convs); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveAll(convs[1:]); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if out := store.LoadAll(); len(out) != 1 || out[0].ID != "c2" {
		t.Fatalf("expected last snapshot, got %+v", out)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear on missing should be no-op, got %v", err)
	}
	if out := store.LoadAll(); len(out) != 0 {
		t.Fatalf("expected empty after clear, got %+v", out)
	}
}

func TestLocalStore_RejectsInvalidRoleOnSave(t *testing.T) {
	store := NewMemoryLocalStore()
	convs := []domain.Conversation{{ID: "c1", Messages: []domain.Message{{ID: "m1", Role: "robot"}}}}
	if err := store.SaveAll(convs); err == nil {
		t.Fatalf("expected error for invalid role")
	}
}

func TestMemoryLocalStore_CopiesSnapshot(t *testing.T) {
	store := NewMemoryLocalStore()
	convs := sampleConversations()
	if err := store.SaveAll(convs); err != nil {
		t.Fatalf("save: %v", err)
	}
	convs[0].Title = "mutated"
	if out := store.LoadAll(); out[0].Title != "Algebra help" {
		t.Fatalf("expected snapshot isolation, got %q", out[0].Title)
	}
}
