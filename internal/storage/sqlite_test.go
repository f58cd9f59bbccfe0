package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/good-yellow-bee/cowork/internal/models"
)

func setupTestDB(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	// Create temp directory for test database
	tmpDir, err := os.MkdirTemp("", "cowork-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	store := NewSQLiteStorage(filepath.Join(tmpDir, "test.db"))
	if err := store.Open(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("open database: %v", err)
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("migrate database: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func createProject(t *testing.T, store *SQLiteStorage, name string, members ...string) *models.Project {
	t.Helper()
	ctx := context.Background()

	project := models.NewProject(name, "")
	if err := store.Projects().Create(ctx, project, members[0]); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if len(members) > 1 {
		if err := store.Projects().AddMembers(ctx, project.ID, members[1:]); err != nil {
			t.Fatalf("add members: %v", err)
		}
	}
	return project
}

func TestSQLiteStorage_Migrate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tables := []string{"users", "projects", "project_members", "project_files", "messages", "schema_migrations"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s should exist: %v", table, err)
		}
	}

	// Running again is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUserRepository_Upsert(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	user := models.NewUser("u1", "a@x.io", "Ada")
	if err := store.Users().Upsert(ctx, user); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	user.Email = "ada@x.io"
	if err := store.Users().Upsert(ctx, user); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.Users().GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got == nil || got.Email != "ada@x.io" {
		t.Fatalf("got %+v, want email ada@x.io", got)
	}

	byEmail, err := store.Users().GetByEmail(ctx, "ada@x.io")
	if err != nil || byEmail == nil || byEmail.ID != "u1" {
		t.Fatalf("get by email: %+v, %v", byEmail, err)
	}

	missing, err := store.Users().GetByID(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing user: %+v, %v", missing, err)
	}

	err = store.Users().Upsert(ctx, models.NewUser(models.SenderAI, "", ""))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("sentinel upsert error = %v, want ErrValidation", err)
	}
}

func TestProjectRepository_CreateAndMembership(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "  Demo ", "u1")
	if project.Name != "demo" {
		t.Errorf("name = %q, want demo", project.Name)
	}

	dup := models.NewProject("DEMO", "")
	if err := store.Projects().Create(ctx, dup, "u2"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("duplicate create error = %v, want ErrConflict", err)
	}

	byName, err := store.Projects().GetByName(ctx, "Demo")
	if err != nil || byName == nil || byName.ID != project.ID {
		t.Fatalf("get by name: %+v, %v", byName, err)
	}

	if err := store.Projects().AddMembers(ctx, project.ID, []string{"u2", "u2", "u3"}); err != nil {
		t.Fatalf("add members: %v", err)
	}
	members, err := store.Projects().Members(ctx, project.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("members = %d, want 3", len(members))
	}

	if err := store.Projects().RemoveMembers(ctx, project.ID, []string{"u3"}); err != nil {
		t.Fatalf("remove members: %v", err)
	}
	ok, err := store.Projects().IsMember(ctx, project.ID, "u3")
	if err != nil || ok {
		t.Errorf("u3 should no longer be a member: %v, %v", ok, err)
	}
	ok, _ = store.Projects().IsMember(ctx, project.ID, "u2")
	if !ok {
		t.Error("u2 should be a member")
	}

	err = store.Projects().AddMembers(ctx, project.ID, []string{models.SenderAI})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("adding sentinel member error = %v, want ErrValidation", err)
	}
	err = store.Projects().AddMembers(ctx, "missing", []string{"u4"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("add to missing project error = %v, want ErrNotFound", err)
	}

	list, err := store.Projects().ListForUser(ctx, "u2")
	if err != nil || len(list) != 1 {
		t.Fatalf("list for user: %d, %v", len(list), err)
	}
}

func TestProjectRepository_UpdateDescription(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "desc", "u1")
	updated, err := store.Projects().UpdateDescription(ctx, project.ID, " a todo app ")
	if err != nil {
		t.Fatalf("update description: %v", err)
	}
	if updated.Description != "a todo app" {
		t.Errorf("description = %q", updated.Description)
	}

	_, err = store.Projects().UpdateDescription(ctx, "missing", "x")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestProjectRepository_ReplaceFileTreeLastWriteWins(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "lww", "u1")
	first := models.FileTree{"a.js": {Contents: "1"}, "b.js": {Contents: "2"}}
	second := models.FileTree{"a.js": {Contents: "3"}}

	p1, err := store.Projects().ReplaceFileTree(ctx, project.ID, first)
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	p2, err := store.Projects().ReplaceFileTree(ctx, project.ID, second)
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if p2.Version != p1.Version+1 {
		t.Errorf("version = %d, want %d", p2.Version, p1.Version+1)
	}

	tree, version, err := store.Projects().FileTree(ctx, project.ID)
	if err != nil {
		t.Fatalf("file tree: %v", err)
	}
	if !tree.Equal(second) {
		t.Errorf("tree = %v, want %v", tree, second)
	}
	if version != p2.Version {
		t.Errorf("version = %d, want %d", version, p2.Version)
	}

	_, err = store.Projects().ReplaceFileTree(ctx, project.ID, models.FileTree{"../x": {Contents: ""}})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("invalid path error = %v, want ErrValidation", err)
	}
}

func TestProjectRepository_ReplaceFileTreeIfVersion(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "cas", "u1")
	p, err := store.Projects().ReplaceFileTreeIfVersion(ctx, project.ID, models.FileTree{"a": {Contents: "1"}}, 0)
	if err != nil {
		t.Fatalf("conditional replace: %v", err)
	}

	_, err = store.Projects().ReplaceFileTreeIfVersion(ctx, project.ID, models.FileTree{"a": {Contents: "stale"}}, 0)
	if !errors.Is(err, models.ErrVersionConflict) {
		t.Fatalf("stale write error = %v, want ErrVersionConflict", err)
	}

	tree, _, _ := store.Projects().FileTree(ctx, project.ID)
	if tree["a"].Contents != "1" {
		t.Errorf("stale write must not apply, got %q", tree["a"].Contents)
	}

	if _, err := store.Projects().ReplaceFileTreeIfVersion(ctx, project.ID, models.FileTree{}, p.Version); err != nil {
		t.Errorf("current version write: %v", err)
	}
}

func TestProjectRepository_UpdateFileTreeConcurrentPatches(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "patch", "u1")
	if _, err := store.Projects().ReplaceFileTree(ctx, project.ID, models.FileTree{"keep.txt": {Contents: "k"}}); err != nil {
		t.Fatalf("seed tree: %v", err)
	}

	paths := []string{"a.js", "b.js", "c.js", "d.js"}
	var wg sync.WaitGroup
	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			_, err := store.Projects().UpdateFileTree(ctx, project.ID, func(tree models.FileTree) (models.FileTree, error) {
				tree.Merge(models.FileTree{path: {Contents: path}})
				return tree, nil
			})
			if err != nil {
				t.Errorf("patch %s: %v", path, err)
			}
		}(path)
	}
	wg.Wait()

	tree, version, err := store.Projects().FileTree(ctx, project.ID)
	if err != nil {
		t.Fatalf("file tree: %v", err)
	}
	if len(tree) != len(paths)+1 {
		t.Errorf("tree has %d paths, want %d: %v", len(tree), len(paths)+1, tree.Paths())
	}
	if version != int64(len(paths)+1) {
		t.Errorf("version = %d, want %d", version, len(paths)+1)
	}

	abort := errors.New("abort")
	_, err = store.Projects().UpdateFileTree(ctx, project.ID, func(models.FileTree) (models.FileTree, error) {
		return nil, abort
	})
	if !errors.Is(err, abort) {
		t.Errorf("error = %v, want abort", err)
	}
}

func TestProjectRepository_UpdateFileTreeWithMessageIsAtomic(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "reply", "u1")
	if _, err := store.Projects().ReplaceFileTree(ctx, project.ID, models.FileTree{"a.js": {Contents: "old"}}); err != nil {
		t.Fatalf("seed tree: %v", err)
	}
	merge := func(tree models.FileTree) (models.FileTree, error) {
		tree.Merge(models.FileTree{"a.js": {Contents: "x"}})
		return tree, nil
	}

	// The message fails validation after the tree was written; both roll back.
	bad := &models.Message{ProjectID: project.ID, Sender: models.SenderAI}
	if _, err := store.Projects().UpdateFileTreeWithMessage(ctx, project.ID, merge, bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	tree, version, err := store.Projects().FileTree(ctx, project.ID)
	if err != nil {
		t.Fatalf("file tree: %v", err)
	}
	if tree["a.js"].Contents != "old" || version != 1 {
		t.Errorf("tree changed by failed apply: a.js=%q version=%d", tree["a.js"].Contents, version)
	}

	msg := &models.Message{ProjectID: project.ID, Sender: models.SenderAI, Body: `{"text":"ok"}`}
	p, err := store.Projects().UpdateFileTreeWithMessage(ctx, project.ID, merge, msg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Version != 2 || msg.Seq != 1 || msg.Timestamp.IsZero() {
		t.Errorf("version=%d seq=%d timestamp=%v", p.Version, msg.Seq, msg.Timestamp)
	}
	tree, _, err = store.Projects().FileTree(ctx, project.ID)
	if err != nil {
		t.Fatalf("file tree: %v", err)
	}
	if tree["a.js"].Contents != "x" {
		t.Errorf("a.js = %q, want x", tree["a.js"].Contents)
	}

	other := &models.Message{ProjectID: "elsewhere", Sender: models.SenderAI, Body: "x"}
	if _, err := store.Projects().UpdateFileTreeWithMessage(ctx, project.ID, merge, other); !errors.Is(err, models.ErrValidation) {
		t.Errorf("foreign message error = %v, want ErrValidation", err)
	}
}

func TestMessageRepository_AppendOrdering(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	project := createProject(t, store, "chat", "u1")
	for i, body := range []string{"one", "two", "three"} {
		msg := &models.Message{ProjectID: project.ID, Sender: "u1", Body: body}
		if err := store.Messages().Append(ctx, msg); err != nil {
			t.Fatalf("append %s: %v", body, err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", msg.Seq, i+1)
		}
	}

	list, err := store.Messages().List(ctx, project.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if !list[i].Timestamp.After(list[i-1].Timestamp) {
			t.Errorf("timestamp %d not after %d", i, i-1)
		}
	}

	recent, err := store.Messages().Recent(ctx, project.ID, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Body != "two" || recent[1].Body != "three" {
		t.Errorf("recent = %+v", recent)
	}

	err = store.Messages().Append(ctx, &models.Message{ProjectID: project.ID, Sender: "u1"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty body error = %v, want ErrValidation", err)
	}
	err = store.Messages().Append(ctx, &models.Message{ProjectID: "missing", Sender: "u1", Body: "x"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing project error = %v, want ErrNotFound", err)
	}
}

func TestProjectRepository_SnapshotAndDelete(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Users().Upsert(ctx, models.NewUser("u1", "a@x.io", "")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	project := createProject(t, store, "snap", "u1", "u2")
	if _, err := store.Projects().ReplaceFileTree(ctx, project.ID, models.FileTree{"index.js": {Contents: "x"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := store.Messages().Append(ctx, &models.Message{ProjectID: project.ID, Sender: "u1", Body: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap, err := store.Projects().Snapshot(ctx, project.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Project.Version != 1 || len(snap.FileTree) != 1 || len(snap.Messages) != 1 || len(snap.Members) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Members[0].Email != "a@x.io" {
		t.Errorf("member email = %q, want a@x.io", snap.Members[0].Email)
	}

	if err := store.Projects().Delete(ctx, project.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Projects().Delete(ctx, project.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
	var rows int
	store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&rows)
	if rows != 0 {
		t.Errorf("messages not cascaded: %d rows left", rows)
	}
	if _, err := store.Projects().Snapshot(ctx, project.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("snapshot of deleted project error = %v, want ErrNotFound", err)
	}
}
