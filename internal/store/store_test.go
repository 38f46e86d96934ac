package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "engram")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if s.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", s.Dir(), dir)
	}
	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		t.Errorf("database file missing: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("ReadFile(.gitignore) error = %v", err)
	}
	if !strings.Contains(string(data), DBFileName) {
		t.Errorf(".gitignore does not mention %s:\n%s", DBFileName, data)
	}
}

func TestEnsureGitignoreRespectsExisting(t *testing.T) {
	dir := t.TempDir()
	custom := "# mine\n"
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(custom), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != custom {
		t.Errorf(".gitignore was overwritten: %q", data)
	}
}

func TestDefaultDataDirEnvOverride(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/engram-test-override")
	dir, err := DefaultDataDir()
	if err != nil {
		t.Fatalf("DefaultDataDir() error = %v", err)
	}
	if dir != "/tmp/engram-test-override" {
		t.Errorf("DefaultDataDir() = %q, want env override", dir)
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := Collection{
		Name:           "notes",
		Dims:           384,
		Metric:         "cosine",
		Backend:        "embedded",
		MaxElements:    10000,
		EfConstruction: 200,
		M:              16,
		Schema:         map[string]string{"lang": "string", "stars": "int"},
		CreatedAt:      time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC),
	}
	if err := s.InsertCollection(ctx, want); err != nil {
		t.Fatalf("InsertCollection() error = %v", err)
	}

	got, err := s.GetCollection(ctx, "notes")
	if err != nil {
		t.Fatalf("GetCollection() error = %v", err)
	}
	if got.Name != want.Name || got.Dims != want.Dims || got.Metric != want.Metric ||
		got.Backend != want.Backend || got.MaxElements != want.MaxElements ||
		got.EfConstruction != want.EfConstruction || got.M != want.M {
		t.Errorf("GetCollection() = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(got.Schema, want.Schema) {
		t.Errorf("Schema = %v, want %v", got.Schema, want.Schema)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	all, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections() error = %v", err)
	}
	if len(all) != 1 || all[0].Name != "notes" {
		t.Errorf("ListCollections() = %+v, want one entry named notes", all)
	}

	if err := s.DeleteCollection(ctx, "notes"); err != nil {
		t.Fatalf("DeleteCollection() error = %v", err)
	}
	if _, err := s.GetCollection(ctx, "notes"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCollection() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteCollection(ctx, "notes"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteCollection() twice error = %v, want ErrNotFound", err)
	}
}

func TestVectorLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	row := VectorRow{
		Collection: "notes",
		ID:         "a",
		Vector:     []float32{0.1, -0.2, 0.3},
		Norm:       0.3741657,
		Metadata:   []byte(`{"lang":"go","stars":42}`),
		CreatedAt:  ts,
	}
	err := s.UpsertVector(ctx, row, ChangeRecord{Op: OpInsert, Collection: "notes", RecordID: "a", Epoch: 1, At: ts})
	if err != nil {
		t.Fatalf("UpsertVector() error = %v", err)
	}

	got, err := s.GetVector(ctx, "notes", "a")
	if err != nil {
		t.Fatalf("GetVector() error = %v", err)
	}
	if !reflect.DeepEqual(got.Vector, row.Vector) {
		t.Errorf("Vector = %v, want %v", got.Vector, row.Vector)
	}
	if got.Norm != row.Norm {
		t.Errorf("Norm = %v, want %v", got.Norm, row.Norm)
	}
	if string(got.Metadata) != string(row.Metadata) {
		t.Errorf("Metadata = %s, want %s", got.Metadata, row.Metadata)
	}
	if !got.CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, ts)
	}

	row.Vector = []float32{1, 0, 0}
	err = s.UpsertVector(ctx, row, ChangeRecord{Op: OpUpdate, Collection: "notes", RecordID: "a", Epoch: 2, At: ts})
	if err != nil {
		t.Fatalf("UpsertVector() replace error = %v", err)
	}
	got, err = s.GetVector(ctx, "notes", "a")
	if err != nil {
		t.Fatalf("GetVector() after replace error = %v", err)
	}
	if !reflect.DeepEqual(got.Vector, []float32{1, 0, 0}) {
		t.Errorf("Vector after replace = %v", got.Vector)
	}

	err = s.DeleteVector(ctx, "notes", "a", ChangeRecord{Op: OpDelete, Collection: "notes", RecordID: "a", Epoch: 3, At: ts})
	if err != nil {
		t.Fatalf("DeleteVector() error = %v", err)
	}
	if _, err := s.GetVector(ctx, "notes", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetVector() after delete error = %v, want ErrNotFound", err)
	}
	err = s.DeleteVector(ctx, "notes", "a", ChangeRecord{Op: OpDelete, Collection: "notes", RecordID: "a", Epoch: 4, At: ts})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteVector() twice error = %v, want ErrNotFound", err)
	}

	changes, err := s.Changes(ctx, "notes", 0, 0)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("Changes() returned %d events, want 3 (failed delete must not log)", len(changes))
	}
	wantOps := []string{OpInsert, OpUpdate, OpDelete}
	for i, c := range changes {
		if c.Op != wantOps[i] {
			t.Errorf("changes[%d].Op = %s, want %s", i, c.Op, wantOps[i])
		}
		if c.Epoch != uint64(i+1) {
			t.Errorf("changes[%d].Epoch = %d, want %d", i, c.Epoch, i+1)
		}
		if c.RecordID != "a" {
			t.Errorf("changes[%d].RecordID = %s, want a", i, c.RecordID)
		}
	}

	epoch, err := s.MaxEpoch(ctx, "notes")
	if err != nil {
		t.Fatalf("MaxEpoch() error = %v", err)
	}
	if epoch != 3 {
		t.Errorf("MaxEpoch(notes) = %d, want 3", epoch)
	}
	epoch, err = s.MaxEpoch(ctx, "other")
	if err != nil {
		t.Fatalf("MaxEpoch(other) error = %v", err)
	}
	if epoch != 0 {
		t.Errorf("MaxEpoch(other) = %d, want 0", epoch)
	}
}

func TestVectorNilMetadataDefaultsToEmptyObject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	row := VectorRow{Collection: "c", ID: "x", Vector: []float32{1}, CreatedAt: ts}
	err := s.UpsertVector(ctx, row, ChangeRecord{Op: OpInsert, Collection: "c", RecordID: "x", Epoch: 1, At: ts})
	if err != nil {
		t.Fatalf("UpsertVector() error = %v", err)
	}
	got, err := s.GetVector(ctx, "c", "x")
	if err != nil {
		t.Fatalf("GetVector() error = %v", err)
	}
	if string(got.Metadata) != "{}" {
		t.Errorf("Metadata = %q, want {}", got.Metadata)
	}
}

func TestBatchUpsertVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	ids := []string{"c", "a", "b"}
	rows := make([]VectorRow, len(ids))
	changes := make([]ChangeRecord, len(ids))
	for i, id := range ids {
		rows[i] = VectorRow{Collection: "notes", ID: id, Vector: []float32{float32(i)}, CreatedAt: ts}
		changes[i] = ChangeRecord{Op: OpInsert, Collection: "notes", RecordID: id, Epoch: uint64(i + 1), At: ts}
	}
	if err := s.BatchUpsertVectors(ctx, rows, changes); err != nil {
		t.Fatalf("BatchUpsertVectors() error = %v", err)
	}

	n, err := s.CountVectors(ctx, "notes")
	if err != nil {
		t.Fatalf("CountVectors() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountVectors() = %d, want 3", n)
	}

	loaded, err := s.LoadVectors(ctx, "notes")
	if err != nil {
		t.Fatalf("LoadVectors() error = %v", err)
	}
	for i, row := range loaded {
		if row.ID != ids[i] {
			t.Errorf("loaded[%d].ID = %s, want %s (insertion order)", i, row.ID, ids[i])
		}
	}

	epoch, err := s.MaxEpoch(ctx, "notes")
	if err != nil {
		t.Fatalf("MaxEpoch() error = %v", err)
	}
	if epoch != 3 {
		t.Errorf("MaxEpoch() = %d, want 3", epoch)
	}
}

func TestChangesFilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	colls := []string{"a", "b", "a", "a", "b"}
	for i, coll := range colls {
		c := ChangeRecord{Op: OpInsert, Collection: coll, RecordID: "r", Epoch: uint64(i + 1), At: ts}
		if err := s.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange() error = %v", err)
		}
	}

	all, err := s.Changes(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Changes(all) returned %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("Changes() not in seq order: %d then %d", all[i-1].Seq, all[i].Seq)
		}
	}

	onlyA, err := s.Changes(ctx, "a", 0, 0)
	if err != nil {
		t.Fatalf("Changes(a) error = %v", err)
	}
	if len(onlyA) != 3 {
		t.Errorf("Changes(a) returned %d, want 3", len(onlyA))
	}
	for _, c := range onlyA {
		if c.Collection != "a" {
			t.Errorf("Changes(a) leaked collection %s", c.Collection)
		}
	}

	tail, err := s.Changes(ctx, "", all[1].Seq, 2)
	if err != nil {
		t.Fatalf("Changes(after, limit) error = %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("Changes(after, limit 2) returned %d, want 2", len(tail))
	}
	if tail[0].Seq != all[2].Seq || tail[1].Seq != all[3].Seq {
		t.Errorf("Changes(after seq %d) = seqs %d,%d, want %d,%d",
			all[1].Seq, tail[0].Seq, tail[1].Seq, all[2].Seq, all[3].Seq)
	}
}

func TestVectorsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Now()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	vec := []float32{0.1, -0.2, 0.3, 0.0, 0.5}
	row := VectorRow{Collection: "notes", ID: "a", Vector: vec, Metadata: []byte(`{"lang":"go"}`), CreatedAt: ts}
	err = s.UpsertVector(ctx, row, ChangeRecord{Op: OpInsert, Collection: "notes", RecordID: "a", Epoch: 7, At: ts})
	if err != nil {
		t.Fatalf("UpsertVector() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	defer s2.Close()

	loaded, err := s2.LoadVectors(ctx, "notes")
	if err != nil {
		t.Fatalf("LoadVectors() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("LoadVectors() returned %d rows, want 1", len(loaded))
	}
	for i, v := range loaded[0].Vector {
		if v != vec[i] {
			t.Errorf("vector[%d] = %v, want %v", i, v, vec[i])
		}
	}

	epoch, err := s2.MaxEpoch(ctx, "notes")
	if err != nil {
		t.Fatalf("MaxEpoch() error = %v", err)
	}
	if epoch != 7 {
		t.Errorf("MaxEpoch() after reopen = %d, want 7", epoch)
	}
}

func TestPatternLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	p := Pattern{
		ID:          "pat-1",
		TaskType:    "code-review",
		Approach:    "checklist",
		Embedding:   []float32{0.5, 0.5},
		SuccessRate: 0.8,
		Uses:        1,
		AvgReward:   0.6,
		Tags:        []string{"go", "review"},
		CreatedAt:   ts,
	}
	err := s.PutPattern(ctx, p, ChangeRecord{Op: OpInsert, Collection: "patterns", RecordID: p.ID, Epoch: 1, At: ts})
	if err != nil {
		t.Fatalf("PutPattern() error = %v", err)
	}

	got, err := s.GetPatternByIdentity(ctx, "code-review", "checklist")
	if err != nil {
		t.Fatalf("GetPatternByIdentity() error = %v", err)
	}
	if got.ID != "pat-1" {
		t.Errorf("GetPatternByIdentity() ID = %s, want pat-1", got.ID)
	}
	if !got.LastUsed.IsZero() {
		t.Errorf("LastUsed = %v, want zero for never-used pattern", got.LastUsed)
	}
	if !reflect.DeepEqual(got.Tags, p.Tags) {
		t.Errorf("Tags = %v, want %v", got.Tags, p.Tags)
	}
	if !reflect.DeepEqual(got.Embedding, p.Embedding) {
		t.Errorf("Embedding = %v, want %v", got.Embedding, p.Embedding)
	}

	if _, err := s.GetPatternByIdentity(ctx, "code-review", "pairing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPatternByIdentity() unknown error = %v, want ErrNotFound", err)
	}

	before, err := s.Changes(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	touchAt := ts.Add(time.Hour)
	if err := s.TouchPatterns(ctx, []string{"pat-1"}, touchAt); err != nil {
		t.Fatalf("TouchPatterns() error = %v", err)
	}
	after, err := s.Changes(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("TouchPatterns() logged %d events, want 0", len(after)-len(before))
	}
	got, err = s.GetPattern(ctx, "pat-1")
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if got.Uses != 2 {
		t.Errorf("Uses after touch = %d, want 2", got.Uses)
	}
	if !got.LastUsed.Equal(touchAt) {
		t.Errorf("LastUsed after touch = %v, want %v", got.LastUsed, touchAt)
	}

	err = s.UpdatePatternOutcome(ctx, "pat-1", 0.85, 0.7, ChangeRecord{Op: OpUpdate, Collection: "patterns", RecordID: "pat-1", Epoch: 2, At: ts})
	if err != nil {
		t.Fatalf("UpdatePatternOutcome() error = %v", err)
	}
	got, err = s.GetPattern(ctx, "pat-1")
	if err != nil {
		t.Fatalf("GetPattern() error = %v", err)
	}
	if got.SuccessRate != 0.85 || got.AvgReward != 0.7 {
		t.Errorf("outcome = (%v, %v), want (0.85, 0.7)", got.SuccessRate, got.AvgReward)
	}

	err = s.UpdatePatternOutcome(ctx, "missing", 0.5, 0.5, ChangeRecord{Op: OpUpdate, Collection: "patterns", RecordID: "missing", Epoch: 3, At: ts})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePatternOutcome() unknown error = %v, want ErrNotFound", err)
	}

	byID, err := s.PatternsByIDs(ctx, []string{"pat-1", "missing"})
	if err != nil {
		t.Fatalf("PatternsByIDs() error = %v", err)
	}
	if len(byID) != 1 {
		t.Errorf("PatternsByIDs() returned %d, want 1", len(byID))
	}
	if _, ok := byID["pat-1"]; !ok {
		t.Error("PatternsByIDs() missing pat-1")
	}

	all, err := s.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("ListPatterns() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListPatterns() returned %d, want 1", len(all))
	}
}

func TestEpisodeLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	eps := []Episode{
		{ID: "ep-1", SessionID: "s1", Task: "fix bug", Reward: 0.9, Success: true, LatencyMS: 1200, Embedding: []float32{1, 0}, CreatedAt: t0},
		{ID: "ep-2", SessionID: "s1", Task: "add test", Reward: 0.4, Success: false, LatencyMS: 800, Embedding: []float32{0, 1}, CreatedAt: t1},
		{ID: "ep-3", SessionID: "s2", Task: "refactor", Reward: 0.7, Success: true, LatencyMS: 2000, Embedding: []float32{1, 1}, CreatedAt: t1},
	}
	for i, e := range eps {
		c := ChangeRecord{Op: OpInsert, Collection: "episodes", RecordID: e.ID, Epoch: uint64(i + 1), At: e.CreatedAt}
		if err := s.InsertEpisode(ctx, e, c); err != nil {
			t.Fatalf("InsertEpisode(%s) error = %v", e.ID, err)
		}
	}

	recent, err := s.RecentEpisodes(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEpisodes() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("RecentEpisodes(2) returned %d", len(recent))
	}
	// ep-2 and ep-3 share a timestamp; the later insert wins the tie.
	if recent[0].ID != "ep-3" || recent[1].ID != "ep-2" {
		t.Errorf("RecentEpisodes() order = %s,%s, want ep-3,ep-2", recent[0].ID, recent[1].ID)
	}
	if !recent[0].Success {
		t.Error("ep-3 Success lost in round trip")
	}

	pending, err := s.UnconsolidatedEpisodes(ctx)
	if err != nil {
		t.Fatalf("UnconsolidatedEpisodes() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("UnconsolidatedEpisodes() returned %d, want 3", len(pending))
	}
	if pending[0].ID != "ep-1" {
		t.Errorf("UnconsolidatedEpisodes()[0] = %s, want ep-1 (oldest first)", pending[0].ID)
	}

	markAt := t1.Add(time.Hour)
	marks := []ChangeRecord{
		{Op: OpUpdate, Collection: "episodes", RecordID: "ep-1", Epoch: 4, At: markAt},
		{Op: OpUpdate, Collection: "episodes", RecordID: "ep-2", Epoch: 5, At: markAt},
	}
	if err := s.MarkEpisodesConsolidated(ctx, []string{"ep-1", "ep-2"}, markAt, marks); err != nil {
		t.Fatalf("MarkEpisodesConsolidated() error = %v", err)
	}

	pending, err = s.UnconsolidatedEpisodes(ctx)
	if err != nil {
		t.Fatalf("UnconsolidatedEpisodes() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "ep-3" {
		t.Errorf("UnconsolidatedEpisodes() after mark = %+v, want only ep-3", pending)
	}

	got, err := s.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEpisode() error = %v", err)
	}
	if !got.Consolidated() {
		t.Error("ep-1 not marked consolidated")
	}
	if !got.ConsolidatedAt.Equal(markAt) {
		t.Errorf("ConsolidatedAt = %v, want %v", got.ConsolidatedAt, markAt)
	}

	byID, err := s.EpisodesByIDs(ctx, []string{"ep-2", "ep-3", "nope"})
	if err != nil {
		t.Fatalf("EpisodesByIDs() error = %v", err)
	}
	if len(byID) != 2 {
		t.Errorf("EpisodesByIDs() returned %d, want 2", len(byID))
	}
}

func TestSkillRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	sk := Skill{
		Name:          "parse-json",
		Signature:     "parse_json(raw: str) -> dict",
		CodeRef:       "skills/parse_json.py",
		Embedding:     []float32{0.2, 0.8},
		SuccessRate:   0.9,
		Uses:          12,
		AvgReward:     0.75,
		Prerequisites: []string{"read-file"},
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	err := s.PutSkill(ctx, sk, ChangeRecord{Op: OpInsert, Collection: "skills", RecordID: sk.Name, Epoch: 1, At: ts})
	if err != nil {
		t.Fatalf("PutSkill() error = %v", err)
	}

	got, err := s.GetSkill(ctx, "parse-json")
	if err != nil {
		t.Fatalf("GetSkill() error = %v", err)
	}
	if got.Signature != sk.Signature || got.CodeRef != sk.CodeRef || got.Uses != sk.Uses {
		t.Errorf("GetSkill() = %+v, want %+v", got, sk)
	}
	if !reflect.DeepEqual(got.Prerequisites, sk.Prerequisites) {
		t.Errorf("Prerequisites = %v, want %v", got.Prerequisites, sk.Prerequisites)
	}

	sk.CodeRef = "skills/parse_json_v2.py"
	sk.UpdatedAt = ts.Add(time.Hour)
	err = s.PutSkill(ctx, sk, ChangeRecord{Op: OpUpdate, Collection: "skills", RecordID: sk.Name, Epoch: 2, At: sk.UpdatedAt})
	if err != nil {
		t.Fatalf("PutSkill() replace error = %v", err)
	}
	got, err = s.GetSkill(ctx, "parse-json")
	if err != nil {
		t.Fatalf("GetSkill() after replace error = %v", err)
	}
	if got.CodeRef != "skills/parse_json_v2.py" {
		t.Errorf("CodeRef after replace = %s", got.CodeRef)
	}

	if _, err := s.GetSkill(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSkill(unknown) error = %v, want ErrNotFound", err)
	}

	byName, err := s.SkillsByNames(ctx, []string{"parse-json", "unknown"})
	if err != nil {
		t.Fatalf("SkillsByNames() error = %v", err)
	}
	if len(byName) != 1 {
		t.Errorf("SkillsByNames() returned %d, want 1", len(byName))
	}

	all, err := s.ListSkills(ctx)
	if err != nil {
		t.Fatalf("ListSkills() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListSkills() returned %d, want 1", len(all))
	}
}

func TestCausalEdgeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

	edges := []CausalEdge{
		{ID: "ce-1", CauseID: "pat-1", EffectID: "ep-9", Description: "checklist raised review reward", Uplift: 0.3, Confidence: 0.7, Embedding: []float32{1, 0}, CreatedAt: ts},
		{ID: "ce-2", CauseID: "pat-1", EffectID: "ep-10", Description: "checklist cut latency", Uplift: 0.1, Confidence: 0.5, Embedding: []float32{0, 1}, CreatedAt: ts},
	}
	for i, e := range edges {
		c := ChangeRecord{Op: OpInsert, Collection: "causal", RecordID: e.ID, Epoch: uint64(i + 1), At: ts}
		if err := s.InsertCausalEdge(ctx, e, c); err != nil {
			t.Fatalf("InsertCausalEdge(%s) error = %v", e.ID, err)
		}
	}

	got, err := s.GetCausalEdge(ctx, "ce-1")
	if err != nil {
		t.Fatalf("GetCausalEdge() error = %v", err)
	}
	if got.CauseID != "pat-1" || got.Uplift != 0.3 || got.Confidence != 0.7 {
		t.Errorf("GetCausalEdge() = %+v", got)
	}

	from, err := s.CausalEdgesFrom(ctx, "pat-1")
	if err != nil {
		t.Fatalf("CausalEdgesFrom() error = %v", err)
	}
	if len(from) != 2 || from[0].ID != "ce-1" || from[1].ID != "ce-2" {
		t.Errorf("CausalEdgesFrom() = %+v, want ce-1,ce-2 in insertion order", from)
	}

	byID, err := s.CausalEdgesByIDs(ctx, []string{"ce-2"})
	if err != nil {
		t.Fatalf("CausalEdgesByIDs() error = %v", err)
	}
	if len(byID) != 1 || byID["ce-2"].EffectID != "ep-10" {
		t.Errorf("CausalEdgesByIDs() = %+v", byID)
	}

	all, err := s.ListCausalEdges(ctx)
	if err != nil {
		t.Fatalf("ListCausalEdges() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListCausalEdges() returned %d, want 2", len(all))
	}
}

func TestDeleteCollectionRemovesVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Now()

	coll := Collection{Name: "notes", Dims: 2, Metric: "cosine", Backend: "embedded", CreatedAt: ts}
	if err := s.InsertCollection(ctx, coll); err != nil {
		t.Fatalf("InsertCollection() error = %v", err)
	}
	for i, id := range []string{"a", "b"} {
		row := VectorRow{Collection: "notes", ID: id, Vector: []float32{1, 0}, CreatedAt: ts}
		c := ChangeRecord{Op: OpInsert, Collection: "notes", RecordID: id, Epoch: uint64(i + 1), At: ts}
		if err := s.UpsertVector(ctx, row, c); err != nil {
			t.Fatalf("UpsertVector() error = %v", err)
		}
	}

	if err := s.DeleteCollection(ctx, "notes"); err != nil {
		t.Fatalf("DeleteCollection() error = %v", err)
	}
	n, err := s.CountVectors(ctx, "notes")
	if err != nil {
		t.Fatalf("CountVectors() error = %v", err)
	}
	if n != 0 {
		t.Errorf("CountVectors() after collection delete = %d, want 0", n)
	}
}
