package models

import (
	"strings"
	"time"
)

// Project is a shared workspace: members, a flat file tree and a chat log.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     int64     `json:"version"` // incremented on every file tree write
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewProject creates a new Project with initialized timestamps.
// Names are stored trimmed and lowercased.
func NewProject(name, description string) *Project {
	now := time.Now()
	return &Project{
		Name:        NormalizeProjectName(name),
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NormalizeProjectName returns the canonical form of a project name.
func NormalizeProjectName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ProjectMember is a user's membership in a project, joined with profile fields.
type ProjectMember struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Snapshot is the authoritative state of a project at one point in time.
type Snapshot struct {
	Project  *Project         `json:"project"`
	FileTree FileTree         `json:"fileTree"`
	Messages []*Message       `json:"messages"`
	Members  []*ProjectMember `json:"members"`
}

// MemberIDs returns the ids of the snapshot's members.
func (s *Snapshot) MemberIDs() []string {
	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.UserID
	}
	return ids
}
