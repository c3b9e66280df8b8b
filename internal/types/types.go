package types

import (
	"encoding/json"
	"time"
)

// EntityKind identifies the kind of record a sync operation targets.
type EntityKind string

const (
	KindNote   EntityKind = "note"
	KindFolder EntityKind = "folder"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindNote || k == KindFolder
}

// Note is the canonical local copy of a note.
//
// UpdatedAt is the server-authoritative modification marker: it is only
// advanced when the server confirms a mutation, and it is the base the
// remote API uses to detect divergence. Local edits made while offline
// live in the sync queue, not on this field.
type Note struct {
	ID        string     `json:"id"`
	FolderID  string     `json:"folder_id,omitempty"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Folder is the canonical local copy of a folder.
type Folder struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// EntityRef identifies an entity independently of its kind-specific shape.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// ExtractRef pulls the entity id out of a raw payload without committing to
// a kind-specific struct. Delete payloads carry only the id.
func ExtractRef(kind EntityKind, payload json.RawMessage) (EntityRef, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return EntityRef{}, err
	}
	return EntityRef{Kind: kind, ID: probe.ID}, nil
}
