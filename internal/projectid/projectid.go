// Package projectid reads the optional per-project-root marker file
// that pins a project's identifier, and enforces that mutating RPC
// calls agree with it.
package projectid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerFileName is the sidecar's fixed name, read from the project
// root directory to pin a project to a specific id.
const MarkerFileName = "projectid"

// ErrNoMarker means root carries no sidecar — there is nothing to
// enforce, and callers should treat the project as unpinned.
var ErrNoMarker = errors.New("projectid: no marker present")

// ErrMismatch means a request's project id does not match the root's
// pinned marker.
var ErrMismatch = errors.New("projectid: request project id does not match marker")

type markerDoc struct {
	ID string `json:"id"`
}

// Read returns the id pinned by root's marker file. Content is either
// a bare UUID string or a JSON object with an "id" field.
func Read(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, MarkerFileName))
	if os.IsNotExist(err) {
		return "", ErrNoMarker
	}
	if err != nil {
		return "", fmt.Errorf("projectid: read marker: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("projectid: marker is empty")
	}

	if trimmed[0] == '{' {
		var doc markerDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return "", fmt.Errorf("projectid: parse marker JSON: %w", err)
		}
		if doc.ID == "" {
			return "", fmt.Errorf("projectid: marker JSON missing \"id\"")
		}
		return doc.ID, nil
	}
	return trimmed, nil
}

// Verify enforces that requestProjectID matches root's marker, if one
// exists. A project with no marker is unpinned and always passes —
// the check is a precondition on project_id, not a requirement that
// one be configured.
func Verify(root, requestProjectID string) error {
	pinned, err := Read(root)
	if err != nil {
		if errors.Is(err, ErrNoMarker) {
			return nil
		}
		return err
	}
	if pinned != requestProjectID {
		return ErrMismatch
	}
	return nil
}
