package engram

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestPatterns_StoreAssignsDefaults(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	p, err := eng.Patterns().Store(ctx, Pattern{
		TaskType: "debug",
		Approach: "bisect commit history",
		Tags:     []string{"git"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Store left ID empty")
	}
	if p.CreatedAt.IsZero() {
		t.Fatal("Store left CreatedAt zero")
	}
	if len(p.Embedding) == 0 {
		t.Fatal("Store did not derive an embedding")
	}

	got, err := eng.Patterns().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TaskType != "debug" || got.Approach != "bisect commit history" {
		t.Fatalf("Get = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "git" {
		t.Fatalf("Tags = %v, want [git]", got.Tags)
	}
}

func TestPatterns_StoreRequiresIdentity(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	if _, err := eng.Patterns().Store(ctx, Pattern{Approach: "just wing it"}); err == nil {
		t.Error("Store without task type succeeded, want error")
	}
	if _, err := eng.Patterns().Store(ctx, Pattern{TaskType: "debug"}); err == nil {
		t.Error("Store without approach succeeded, want error")
	}
}

func TestPatterns_StoreUpsertsByIdentity(t *testing.T) {
	emb := newAxisEmbedder(8, "debug", "bisect")
	eng := newTestEngine(t, Options{Embedder: emb})
	ctx := context.Background()

	first, err := eng.Patterns().Store(ctx, Pattern{
		TaskType:    "debug",
		Approach:    "bisect commit history",
		SuccessRate: 0.5,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Bump Uses through a search so the upsert has something to preserve.
	if _, err := eng.Patterns().Search(ctx, "debug", 1, 0.1); err != nil {
		t.Fatalf("Search: %v", err)
	}

	second, err := eng.Patterns().Store(ctx, Pattern{
		TaskType:    "debug",
		Approach:    "bisect commit history",
		SuccessRate: 0.8,
		Tags:        []string{"git"},
	})
	if err != nil {
		t.Fatalf("Store again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert changed ID: %s then %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("upsert changed CreatedAt: %v then %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Uses != 1 {
		t.Fatalf("upsert lost Uses: %d, want 1", second.Uses)
	}
	if second.LastUsed.IsZero() {
		t.Fatal("upsert lost LastUsed")
	}
	if second.SuccessRate != 0.8 || len(second.Tags) != 1 {
		t.Fatalf("upsert did not replace tuning fields: %+v", second)
	}

	// A different approach under the same task type is a new pattern.
	other, err := eng.Patterns().Store(ctx, Pattern{
		TaskType: "debug",
		Approach: "add print statements everywhere",
	})
	if err != nil {
		t.Fatalf("Store other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct approach reused the existing ID")
	}
}

func TestPatterns_SearchTouchesPeekDoesNot(t *testing.T) {
	emb := newAxisEmbedder(8, "deploy")
	eng := newTestEngine(t, Options{Embedder: emb})
	ctx := context.Background()

	p, err := eng.Patterns().Store(ctx, Pattern{TaskType: "deploy", Approach: "canary first"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	peeked, err := eng.Patterns().Peek(ctx, "deploy", 1, 0.1)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(peeked) != 1 || peeked[0].Uses != 0 {
		t.Fatalf("Peek = %+v, want untouched pattern", peeked)
	}
	got, err := eng.Patterns().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Uses != 0 || !got.LastUsed.IsZero() {
		t.Fatalf("Peek left a trace: Uses=%d LastUsed=%v", got.Uses, got.LastUsed)
	}

	found, err := eng.Patterns().Search(ctx, "deploy", 1, 0.1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 1 || found[0].Uses != 1 || found[0].LastUsed.IsZero() {
		t.Fatalf("Search = %+v, want touched pattern", found)
	}
	got, err = eng.Patterns().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Uses != 1 || got.LastUsed.IsZero() {
		t.Fatalf("Search did not persist the touch: Uses=%d LastUsed=%v", got.Uses, got.LastUsed)
	}
}

func TestPatterns_RankingOnSimilarityTie(t *testing.T) {
	emb := newAxisEmbedder(8, "fix", "retry")
	eng := newTestEngine(t, Options{Embedder: emb})
	ctx := context.Background()

	// Both patterns embed onto the fix and retry axes only, so their
	// similarity to the query ties and success rate decides the order.
	low, err := eng.Patterns().Store(ctx, Pattern{
		TaskType:    "fix",
		Approach:    "retry the request with exponential backoff",
		SuccessRate: 0.4,
	})
	if err != nil {
		t.Fatalf("Store low: %v", err)
	}
	high, err := eng.Patterns().Store(ctx, Pattern{
		TaskType:    "fix",
		Approach:    "retry the call until it succeeds",
		SuccessRate: 0.8,
	})
	if err != nil {
		t.Fatalf("Store high: %v", err)
	}

	matches, err := eng.Patterns().Search(ctx, "fix", 5, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != high.ID || matches[1].ID != low.ID {
		t.Fatalf("order = [%s %s], want higher success rate first", matches[0].ID, matches[1].ID)
	}
	if matches[0].Similarity != matches[1].Similarity {
		t.Fatalf("similarities differ: %g vs %g", matches[0].Similarity, matches[1].Similarity)
	}

	// A cutoff above the tie filters both.
	none, err := eng.Patterns().Search(ctx, "fix", 5, 0.9)
	if err != nil {
		t.Fatalf("Search strict: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("strict cutoff returned %d matches, want 0", len(none))
	}

	// k truncates after ranking.
	one, err := eng.Patterns().Search(ctx, "fix", 1, 0.5)
	if err != nil {
		t.Fatalf("Search k=1: %v", err)
	}
	if len(one) != 1 || one[0].ID != high.ID {
		t.Fatalf("k=1 = %+v, want just the high pattern", one)
	}
}

func TestPatterns_RecordOutcomeEMA(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	p, err := eng.Patterns().Store(ctx, Pattern{
		TaskType:    "debug",
		Approach:    "bisect",
		SuccessRate: 0.5,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	after, err := eng.Patterns().RecordOutcome(ctx, p.ID, true, 1.0)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if math.Abs(after.SuccessRate-0.6) > 1e-9 {
		t.Fatalf("SuccessRate = %g, want 0.6", after.SuccessRate)
	}
	if math.Abs(after.AvgReward-0.3) > 1e-9 {
		t.Fatalf("AvgReward = %g, want 0.3", after.AvgReward)
	}

	after, err = eng.Patterns().RecordOutcome(ctx, p.ID, false, 0)
	if err != nil {
		t.Fatalf("RecordOutcome failure: %v", err)
	}
	if math.Abs(after.SuccessRate-0.48) > 1e-9 {
		t.Fatalf("SuccessRate = %g, want 0.48", after.SuccessRate)
	}
	if math.Abs(after.AvgReward-0.21) > 1e-9 {
		t.Fatalf("AvgReward = %g, want 0.21", after.AvgReward)
	}
	if after.Uses != 0 {
		t.Fatalf("RecordOutcome moved Uses to %d, want 0", after.Uses)
	}

	// Outcomes persist.
	got, err := eng.Patterns().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if math.Abs(got.SuccessRate-0.48) > 1e-9 {
		t.Fatalf("persisted SuccessRate = %g, want 0.48", got.SuccessRate)
	}
}

func TestPatterns_RecordOutcomeClamps(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	p, err := eng.Patterns().Store(ctx, Pattern{TaskType: "debug", Approach: "bisect"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	after, err := eng.Patterns().RecordOutcome(ctx, p.ID, true, 5.0)
	if err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if after.AvgReward != 1.0 {
		t.Fatalf("AvgReward = %g with an out-of-range reward, want clamped 1.0", after.AvgReward)
	}
}

func TestPatterns_NotFound(t *testing.T) {
	eng := newTestEngine(t, Options{})
	ctx := context.Background()

	var nf *NotFoundError
	if _, err := eng.Patterns().Get(ctx, "nope"); !errors.As(err, &nf) || nf.Kind != "pattern" {
		t.Fatalf("Get = %v, want pattern NotFoundError", err)
	}
	if _, err := eng.Patterns().RecordOutcome(ctx, "nope", true, 1); !errors.As(err, &nf) {
		t.Fatalf("RecordOutcome = %v, want NotFoundError", err)
	}
}

func TestPatterns_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	emb := newAxisEmbedder(8, "debug", "bisect")

	eng, err := Open(Options{Dir: dir, Embedder: emb})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	p, err := eng.Patterns().Store(ctx, Pattern{TaskType: "debug", Approach: "bisect", SuccessRate: 0.7})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2 := newTestEngine(t, Options{Dir: dir, Embedder: emb})
	got, err := eng2.Patterns().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.SuccessRate != 0.7 {
		t.Fatalf("SuccessRate after reopen = %g, want 0.7", got.SuccessRate)
	}
	matches, err := eng2.Patterns().Search(ctx, "debug bisect", 1, 0.5)
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != p.ID {
		t.Fatalf("Search after reopen = %+v, want the stored pattern", matches)
	}
}
