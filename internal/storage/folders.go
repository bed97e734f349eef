package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const folderColumns = `f.id, f.name, f.parent_id, f.color, f.icon, f.created_at, f.updated_at,
	(SELECT COUNT(*) FROM conversations c WHERE c.folder_id = f.id)`

// CreateFolder validates and inserts f. An empty ID is replaced with a new UUID.
func (s *Store) CreateFolder(f DBFolder) (DBFolder, error) {
	err := s.tx(func(tx *sql.Tx) error {
		var err error
		f, err = s.createFolder(tx, f)
		return err
	})
	return f, err
}

func (s *Store) createFolder(q querier, f DBFolder) (DBFolder, error) {
	if err := validateFolder(q, f); err != nil {
		return f, err
	}
	now := s.stamp()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	return f, insertFolder(q, f)
}

func insertFolder(q querier, f DBFolder) error {
	_, err := q.Exec(`INSERT INTO folders (id, name, parent_id, color, icon, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, nullString(f.ParentID), f.Color, f.Icon, formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting folder %s: %w", f.ID, err)
	}
	return nil
}

func writeFolder(q querier, f DBFolder) error {
	_, err := q.Exec(`UPDATE folders SET name = ?, parent_id = ?, color = ?, icon = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, nullString(f.ParentID), f.Color, f.Icon, formatTime(f.CreatedAt), formatTime(f.UpdatedAt), f.ID,
	)
	if err != nil {
		return fmt.Errorf("updating folder %s: %w", f.ID, err)
	}
	return nil
}

func validateFolder(q querier, f DBFolder) error {
	if strings.TrimSpace(f.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if f.ParentID == nil {
		return nil
	}
	if f.ID != "" && *f.ParentID == f.ID {
		return invalid("parentId", "a folder cannot be its own parent")
	}
	ok, err := exists(q, "folders", *f.ParentID)
	if err != nil {
		return err
	}
	if !ok {
		return invalid("parentId", "folder %s does not exist", *f.ParentID)
	}
	if f.ID == "" {
		return nil
	}
	// Walk up from the new parent; reaching f means a cycle.
	seen := map[string]bool{}
	cur := *f.ParentID
	for cur != "" && !seen[cur] {
		if cur == f.ID {
			return invalid("parentId", "moving %s under %s would create a cycle", f.ID, *f.ParentID)
		}
		seen[cur] = true
		var parent sql.NullString
		err := q.QueryRow("SELECT parent_id FROM folders WHERE id = ?", cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return fmt.Errorf("walking folder parents: %w", err)
		}
		cur = parent.String
	}
	return nil
}

func scanFolder(row scanner) (DBFolder, error) {
	var (
		f                DBFolder
		parent           sql.NullString
		created, updated string
	)
	if err := row.Scan(&f.ID, &f.Name, &parent, &f.Color, &f.Icon, &created, &updated, &f.ConversationCount); err != nil {
		return f, err
	}
	f.ParentID = stringPtr(parent)
	var err error
	if f.CreatedAt, err = parseTime(created); err != nil {
		return f, err
	}
	if f.UpdatedAt, err = parseTime(updated); err != nil {
		return f, err
	}
	return f, nil
}

// GetFolder loads a folder with its conversation count.
func (s *Store) GetFolder(id string) (DBFolder, error) {
	return getFolder(s.db, id)
}

func getFolder(q querier, id string) (DBFolder, error) {
	f, err := scanFolder(q.QueryRow("SELECT "+folderColumns+" FROM folders f WHERE f.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return DBFolder{}, ErrNotFound
	}
	if err != nil {
		return DBFolder{}, fmt.Errorf("getting folder %s: %w", id, err)
	}
	return f, nil
}

// ListFolders returns all folders ordered by name.
func (s *Store) ListFolders() ([]DBFolder, error) {
	return listFolders(s.db)
}

func listFolders(q querier) ([]DBFolder, error) {
	rows, err := q.Query("SELECT " + folderColumns + " FROM folders f ORDER BY f.name ASC, f.id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	folders := []DBFolder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// UpdateFolder applies a partial update; re-parenting is rejected when it
// would create a cycle.
func (s *Store) UpdateFolder(id string, u FolderUpdate) (DBFolder, error) {
	var out DBFolder
	err := s.tx(func(tx *sql.Tx) error {
		f, err := getFolder(tx, id)
		if err != nil {
			return err
		}
		if u.Name != nil {
			f.Name = *u.Name
		}
		if u.ClearParent {
			f.ParentID = nil
		} else if u.ParentID != nil {
			f.ParentID = u.ParentID
		}
		if u.Color != nil {
			f.Color = *u.Color
		}
		if u.Icon != nil {
			f.Icon = *u.Icon
		}
		if err := validateFolder(tx, f); err != nil {
			return err
		}
		f.UpdatedAt = advance(f.UpdatedAt, s.stamp())
		if err := writeFolder(tx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

// DeleteFolder removes a folder. With moveToRoot its conversations and
// subfolders are moved to the root first; otherwise their references are
// left dangling.
func (s *Store) DeleteFolder(id string, moveToRoot bool) error {
	return s.tx(func(tx *sql.Tx) error {
		ok, err := exists(tx, "folders", id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if moveToRoot {
			if _, err := tx.Exec("UPDATE conversations SET folder_id = NULL WHERE folder_id = ?", id); err != nil {
				return fmt.Errorf("moving conversations to root: %w", err)
			}
			if _, err := tx.Exec("UPDATE folders SET parent_id = NULL WHERE parent_id = ?", id); err != nil {
				return fmt.Errorf("moving subfolders to root: %w", err)
			}
		}
		if _, err := tx.Exec("DELETE FROM folders WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting folder %s: %w", id, err)
		}
		return nil
	})
}

// FolderTree nests folders under their parents. Folders whose parent no
// longer exists are placed at the root. Siblings are ordered by name.
func (s *Store) FolderTree() ([]FolderNode, error) {
	folders, err := s.ListFolders()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]bool, len(folders))
	for _, f := range folders {
		byID[f.ID] = true
	}
	children := map[string][]DBFolder{}
	var roots []DBFolder
	for _, f := range folders {
		if f.ParentID == nil || !byID[*f.ParentID] {
			roots = append(roots, f)
			continue
		}
		children[*f.ParentID] = append(children[*f.ParentID], f)
	}

	var build func(fs []DBFolder, seen map[string]bool) []FolderNode
	build = func(fs []DBFolder, seen map[string]bool) []FolderNode {
		sort.SliceStable(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
		nodes := make([]FolderNode, 0, len(fs))
		for _, f := range fs {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			nodes = append(nodes, FolderNode{DBFolder: f, Children: build(children[f.ID], seen)})
		}
		return nodes
	}
	return build(roots, map[string]bool{}), nil
}
