package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/cowork/internal/models"
)

type sqliteProjectRepo struct {
	db *sql.DB
}

const projectColumns = "id, name, description, version, created_at, updated_at"

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	project := &models.Project{}
	err := row.Scan(
		&project.ID, &project.Name, &project.Description, &project.Version,
		&project.CreatedAt, &project.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (r *sqliteProjectRepo) Create(ctx context.Context, project *models.Project, creatorID string) error {
	if creatorID == "" {
		return fmt.Errorf("%w: creator is required", models.ErrValidation)
	}
	project.Name = models.NormalizeProjectName(project.Name)
	if project.Name == "" {
		return fmt.Errorf("%w: project name is required", models.ErrValidation)
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, project.ID, project.Name, project.Description, project.Version,
			project.CreatedAt, project.UpdatedAt,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: project name %q", models.ErrConflict, project.Name)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)",
			project.ID, creatorID, project.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		return nil
	})
}

func (r *sqliteProjectRepo) GetByID(ctx context.Context, id string) (*models.Project, error) {
	project, err := scanProject(r.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = ?", id))
	if err == sql.ErrNoRows {
		//nolint:nilnil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by id: %w", err)
	}
	return project, nil
}

func (r *sqliteProjectRepo) GetByName(ctx context.Context, name string) (*models.Project, error) {
	project, err := scanProject(r.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE name = ?", models.NormalizeProjectName(name)))
	if err == sql.ErrNoRows {
		//nolint:nilnil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return project, nil
}

func (r *sqliteProjectRepo) UpdateDescription(ctx context.Context, id, description string) (*models.Project, error) {
	var project *models.Project
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE projects SET description = ?, updated_at = ? WHERE id = ?",
			strings.TrimSpace(description), time.Now(), id,
		)
		if err != nil {
			return fmt.Errorf("update description: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: project %s", models.ErrNotFound, id)
		}
		project, err = loadProject(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (r *sqliteProjectRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: project %s", models.ErrNotFound, id)
	}
	return nil
}

func (r *sqliteProjectRepo) ListForUser(ctx context.Context, userID string) ([]*models.Project, error) {
	query := `
		SELECT p.id, p.name, p.description, p.version, p.created_at, p.updated_at
		FROM projects p
		INNER JOIN project_members pm ON p.id = pm.project_id
		WHERE pm.user_id = ?
		ORDER BY p.name
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get user projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (r *sqliteProjectRepo) AddMembers(ctx context.Context, projectID string, userIDs []string) error {
	for _, id := range userIDs {
		if id == "" || models.IsSentinelSender(id) {
			return fmt.Errorf("%w: invalid member id %q", models.ErrValidation, id)
		}
	}
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}
		now := time.Now()
		for _, id := range userIDs {
			_, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)",
				projectID, id, now,
			)
			if err != nil {
				return fmt.Errorf("add member %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *sqliteProjectRepo) RemoveMembers(ctx context.Context, projectID string, userIDs []string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := projectExists(ctx, tx, projectID); err != nil {
			return err
		}
		for _, id := range userIDs {
			_, err := tx.ExecContext(ctx,
				"DELETE FROM project_members WHERE project_id = ? AND user_id = ?",
				projectID, id,
			)
			if err != nil {
				return fmt.Errorf("remove member %s: %w", id, err)
			}
		}
		return nil
	})
}

func (r *sqliteProjectRepo) Members(ctx context.Context, projectID string) ([]*models.ProjectMember, error) {
	return loadMembers(ctx, r.db, projectID)
}

func (r *sqliteProjectRepo) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?",
		projectID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}

func (r *sqliteProjectRepo) FileTree(ctx context.Context, projectID string) (models.FileTree, int64, error) {
	var (
		tree    models.FileTree
		version int64
	)
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		project, err := loadProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		version = project.Version
		tree, err = loadTree(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return tree, version, nil
}

func (r *sqliteProjectRepo) ReplaceFileTree(ctx context.Context, projectID string, tree models.FileTree) (*models.Project, error) {
	return r.writeTree(ctx, projectID, func(models.FileTree, int64) (models.FileTree, error) {
		return tree, nil
	})
}

func (r *sqliteProjectRepo) ReplaceFileTreeIfVersion(ctx context.Context, projectID string, tree models.FileTree, version int64) (*models.Project, error) {
	return r.writeTree(ctx, projectID, func(_ models.FileTree, current int64) (models.FileTree, error) {
		if current != version {
			return nil, fmt.Errorf("%w: have %d, want %d", models.ErrVersionConflict, current, version)
		}
		return tree, nil
	})
}

func (r *sqliteProjectRepo) UpdateFileTree(ctx context.Context, projectID string, fn TreeUpdateFunc) (*models.Project, error) {
	return r.writeTree(ctx, projectID, func(current models.FileTree, _ int64) (models.FileTree, error) {
		return fn(current)
	})
}

func (r *sqliteProjectRepo) UpdateFileTreeWithMessage(ctx context.Context, projectID string, fn TreeUpdateFunc, msg *models.Message) (*models.Project, error) {
	if msg == nil || msg.ProjectID != projectID {
		return nil, fmt.Errorf("%w: message must belong to project %s", models.ErrValidation, projectID)
	}
	var project *models.Project
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		project, err = writeTreeTx(ctx, tx, projectID, func(current models.FileTree, _ int64) (models.FileTree, error) {
			return fn(current)
		})
		if err != nil {
			return err
		}
		return appendMessage(ctx, tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

func (r *sqliteProjectRepo) writeTree(ctx context.Context, projectID string, next func(models.FileTree, int64) (models.FileTree, error)) (*models.Project, error) {
	var project *models.Project
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		project, err = writeTreeTx(ctx, tx, projectID, next)
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// writeTreeTx replaces all rows of the project's tree with the tree produced
// by next and bumps the version.
func writeTreeTx(ctx context.Context, tx *sql.Tx, projectID string, next func(models.FileTree, int64) (models.FileTree, error)) (*models.Project, error) {
	current, err := loadProject(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	existing, err := loadTree(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	tree, err := next(existing, current.Version)
	if err != nil {
		return nil, err
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM project_files WHERE project_id = ?", projectID); err != nil {
		return nil, fmt.Errorf("clear file tree: %w", err)
	}
	for _, path := range tree.Paths() {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO project_files (project_id, path, contents) VALUES (?, ?, ?)",
			projectID, path, tree[path].Contents,
		)
		if err != nil {
			return nil, fmt.Errorf("insert file %s: %w", path, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE projects SET version = version + 1, updated_at = ? WHERE id = ?",
		time.Now(), projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("bump version: %w", err)
	}
	return loadProject(ctx, tx, projectID)
}

func (r *sqliteProjectRepo) Snapshot(ctx context.Context, projectID string) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		if snap.Project, err = loadProject(ctx, tx, projectID); err != nil {
			return err
		}
		if snap.FileTree, err = loadTree(ctx, tx, projectID); err != nil {
			return err
		}
		snap.Messages, err = queryMessages(ctx, tx, `
			SELECT id, project_id, seq, sender, body, correlation_id, ts_unix_nano
			FROM messages WHERE project_id = ? ORDER BY seq
		`, projectID)
		if err != nil {
			return err
		}
		snap.Members, err = loadMembers(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func projectExists(ctx context.Context, q querier, projectID string) error {
	_, err := loadProject(ctx, q, projectID)
	return err
}

func loadProject(ctx context.Context, q querier, projectID string) (*models.Project, error) {
	project, err := scanProject(q.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = ?", projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", models.ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	return project, nil
}

func loadTree(ctx context.Context, q querier, projectID string) (models.FileTree, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT path, contents FROM project_files WHERE project_id = ?", projectID)
	if err != nil {
		return nil, fmt.Errorf("load file tree: %w", err)
	}
	defer rows.Close()

	tree := models.FileTree{}
	for rows.Next() {
		var path, contents string
		if err := rows.Scan(&path, &contents); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		tree[path] = models.FileNode{Contents: contents}
	}
	return tree, rows.Err()
}

func loadMembers(ctx context.Context, q querier, projectID string) ([]*models.ProjectMember, error) {
	query := `
		SELECT pm.user_id, COALESCE(u.email, ''), COALESCE(u.name, '')
		FROM project_members pm
		LEFT JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id = ?
		ORDER BY pm.added_at, pm.user_id
	`
	rows, err := q.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("get project members: %w", err)
	}
	defer rows.Close()

	members := []*models.ProjectMember{}
	for rows.Next() {
		member := &models.ProjectMember{}
		if err := rows.Scan(&member.UserID, &member.Email, &member.Name); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}
