package sqlstore

// Schema creates the notebook tables. Sibling titles are unique per parent,
// compared case-insensitively. Timestamps are unix milliseconds.
const Schema = `
-- Notebooks: top-level containers, one list per user
CREATE TABLE IF NOT EXISTS notebooks (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    icon TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    order_index INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notebooks_user_id ON notebooks(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notebooks_user_title ON notebooks(user_id, casefold(title));

-- Notes: markdown or checklist notes inside a notebook
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    notebook_id TEXT NOT NULL REFERENCES notebooks(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    is_checklist INTEGER NOT NULL DEFAULT 0,
    is_pinned INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,
    order_index INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_notebook_id ON notes(notebook_id);
CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_notebook_title ON notes(notebook_id, casefold(title));

-- Checklist items: rows of a checklist note
CREATE TABLE IF NOT EXISTS checklist_items (
    id TEXT PRIMARY KEY,
    note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    checked INTEGER NOT NULL DEFAULT 0,
    order_index INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checklist_items_note_id ON checklist_items(note_id);
CREATE INDEX IF NOT EXISTS idx_checklist_items_user_id ON checklist_items(user_id);

-- Checklist subtasks: nested rows under a checklist item
CREATE TABLE IF NOT EXISTS checklist_subtasks (
    id TEXT PRIMARY KEY,
    item_id TEXT NOT NULL REFERENCES checklist_items(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    text TEXT NOT NULL,
    checked INTEGER NOT NULL DEFAULT 0,
    order_index INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checklist_subtasks_item_id ON checklist_subtasks(item_id);
`

type colKind int

const (
	kindText colKind = iota
	kindInt
	kindBool
	kindTime
)

type column struct {
	name      string
	kind      colKind
	updatable bool
}

type table struct {
	name    string
	columns []column
}

func (t table) column(name string) (column, bool) {
	for _, c := range t.columns {
		if c.name == name {
			return c, true
		}
	}
	return column{}, false
}

func (t table) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

var tables = map[string]table{
	"notebooks": {name: "notebooks", columns: []column{
		{name: "id", kind: kindText},
		{name: "user_id", kind: kindText},
		{name: "title", kind: kindText, updatable: true},
		{name: "icon", kind: kindText, updatable: true},
		{name: "color", kind: kindText, updatable: true},
		{name: "order_index", kind: kindInt, updatable: true},
		{name: "is_archived", kind: kindBool, updatable: true},
		{name: "created_at", kind: kindTime},
		{name: "updated_at", kind: kindTime},
	}},
	"notes": {name: "notes", columns: []column{
		{name: "id", kind: kindText},
		{name: "notebook_id", kind: kindText, updatable: true},
		{name: "user_id", kind: kindText},
		{name: "title", kind: kindText, updatable: true},
		{name: "content", kind: kindText, updatable: true},
		{name: "is_checklist", kind: kindBool},
		{name: "is_pinned", kind: kindBool, updatable: true},
		{name: "is_archived", kind: kindBool, updatable: true},
		{name: "order_index", kind: kindInt, updatable: true},
		{name: "created_at", kind: kindTime},
		{name: "updated_at", kind: kindTime},
	}},
	"checklist_items": {name: "checklist_items", columns: []column{
		{name: "id", kind: kindText},
		{name: "note_id", kind: kindText},
		{name: "user_id", kind: kindText},
		{name: "text", kind: kindText, updatable: true},
		{name: "checked", kind: kindBool, updatable: true},
		{name: "order_index", kind: kindInt, updatable: true},
		{name: "created_at", kind: kindTime},
		{name: "updated_at", kind: kindTime},
	}},
	"checklist_subtasks": {name: "checklist_subtasks", columns: []column{
		{name: "id", kind: kindText},
		{name: "item_id", kind: kindText},
		{name: "user_id", kind: kindText},
		{name: "text", kind: kindText, updatable: true},
		{name: "checked", kind: kindBool, updatable: true},
		{name: "order_index", kind: kindInt, updatable: true},
		{name: "created_at", kind: kindTime},
		{name: "updated_at", kind: kindTime},
	}},
}
