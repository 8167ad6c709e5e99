// Package auth resolves inherited authentication for stored requests and
// applies the effective configuration to outgoing HTTP requests.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codeops/courier/internal/domain"
)

// Effective is the auth configuration that applies to a request after
// inheritance resolution. Config is carried verbatim from the winning node;
// the resolver never parses it.
type Effective struct {
	Type   domain.AuthType
	Config json.RawMessage
}

// NoAuth is the effective auth when the whole chain inherits.
func NoAuth() Effective {
	return Effective{Type: domain.AuthNone}
}

// inherits reports whether a stored auth type defers to the parent.
// An unset type is treated the same as an explicit INHERIT_FROM_PARENT.
func inherits(t domain.AuthType) bool {
	return t == "" || t == domain.AuthInheritFromParent
}

// Resolve walks the inheritance chain request → folders (nearest to root) →
// collection and returns the first concrete auth found, or NO_AUTH when the
// chain is exhausted. Folders are looked up by id in folders; a missing
// parent ends the walk at the collection. A revisited folder id means the
// parent pointers form a cycle; that is corrupt data and is reported as a
// plain error rather than looping.
func Resolve(req *domain.RequestDef, folders map[uuid.UUID]*domain.Folder, col *domain.Collection) (Effective, error) {
	if req != nil && !inherits(req.AuthType) {
		return Effective{Type: req.AuthType, Config: req.AuthConfig}, nil
	}

	if req != nil {
		visited := map[uuid.UUID]bool{}
		folderID := req.FolderID
		for folderID != uuid.Nil {
			if visited[folderID] {
				return Effective{}, fmt.Errorf("folder hierarchy cycle at %s", folderID)
			}
			visited[folderID] = true

			folder, ok := folders[folderID]
			if !ok {
				break
			}
			if !inherits(folder.AuthType) {
				return Effective{Type: folder.AuthType, Config: folder.AuthConfig}, nil
			}
			if folder.ParentFolderID == nil {
				break
			}
			folderID = *folder.ParentFolderID
		}
	}

	if col != nil && !inherits(col.AuthType) {
		return Effective{Type: col.AuthType, Config: col.AuthConfig}, nil
	}
	return NoAuth(), nil
}
