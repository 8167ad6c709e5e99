package auth

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeops/courier/internal/domain"
)

func folderMap(folders ...*domain.Folder) map[uuid.UUID]*domain.Folder {
	m := make(map[uuid.UUID]*domain.Folder, len(folders))
	for _, f := range folders {
		m[f.ID] = f
	}
	return m
}

func TestResolve_RequestOwnAuthWins(t *testing.T) {
	req := &domain.RequestDef{
		FolderID:   uuid.New(),
		AuthType:   domain.AuthBearerToken,
		AuthConfig: json.RawMessage(`{"token":"own"}`),
	}
	col := &domain.Collection{AuthType: domain.AuthBasic}

	eff, err := Resolve(req, nil, col)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthBearerToken, eff.Type)
	assert.JSONEq(t, `{"token":"own"}`, string(eff.Config))
}

func TestResolve_NearestFolderWins(t *testing.T) {
	root := &domain.Folder{ID: uuid.New(), AuthType: domain.AuthBasic}
	mid := &domain.Folder{ID: uuid.New(), ParentFolderID: &root.ID, AuthType: domain.AuthAPIKey,
		AuthConfig: json.RawMessage(`{"key":"X-Key","value":"v"}`)}
	leaf := &domain.Folder{ID: uuid.New(), ParentFolderID: &mid.ID, AuthType: domain.AuthInheritFromParent}

	req := &domain.RequestDef{FolderID: leaf.ID, AuthType: domain.AuthInheritFromParent}

	eff, err := Resolve(req, folderMap(root, mid, leaf), &domain.Collection{AuthType: domain.AuthBearerToken})
	require.NoError(t, err)
	assert.Equal(t, domain.AuthAPIKey, eff.Type, "nearest non-inherit folder wins over root and collection")
}

func TestResolve_FallsBackToCollection(t *testing.T) {
	folder := &domain.Folder{ID: uuid.New(), AuthType: domain.AuthInheritFromParent}
	req := &domain.RequestDef{FolderID: folder.ID, AuthType: domain.AuthInheritFromParent}
	col := &domain.Collection{
		AuthType:   domain.AuthBearerToken,
		AuthConfig: json.RawMessage(`{"token":"abc"}`),
	}

	eff, err := Resolve(req, folderMap(folder), col)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthBearerToken, eff.Type)
	assert.JSONEq(t, `{"token":"abc"}`, string(eff.Config))
}

func TestResolve_ExhaustedChainIsNoAuth(t *testing.T) {
	root := &domain.Folder{ID: uuid.New()} // unset type inherits too
	leaf := &domain.Folder{ID: uuid.New(), ParentFolderID: &root.ID, AuthType: domain.AuthInheritFromParent}
	req := &domain.RequestDef{FolderID: leaf.ID, AuthType: domain.AuthInheritFromParent}
	col := &domain.Collection{AuthType: domain.AuthInheritFromParent}

	eff, err := Resolve(req, folderMap(root, leaf), col)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthNone, eff.Type)
}

func TestResolve_MissingFolderEndsWalkAtCollection(t *testing.T) {
	req := &domain.RequestDef{FolderID: uuid.New(), AuthType: domain.AuthInheritFromParent}
	col := &domain.Collection{AuthType: domain.AuthBasic}

	eff, err := Resolve(req, folderMap(), col)
	require.NoError(t, err)
	assert.Equal(t, domain.AuthBasic, eff.Type)
}

func TestResolve_CycleDetected(t *testing.T) {
	a := &domain.Folder{ID: uuid.New(), AuthType: domain.AuthInheritFromParent}
	b := &domain.Folder{ID: uuid.New(), ParentFolderID: &a.ID, AuthType: domain.AuthInheritFromParent}
	a.ParentFolderID = &b.ID

	req := &domain.RequestDef{FolderID: a.ID, AuthType: domain.AuthInheritFromParent}

	_, err := Resolve(req, folderMap(a, b), &domain.Collection{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestResolve_ConfigPassedVerbatim(t *testing.T) {
	// The resolver must not re-encode the blob, even if it is not valid JSON
	// for the declared type.
	raw := json.RawMessage(`{"anything":["goes",1,null]}`)
	req := &domain.RequestDef{FolderID: uuid.New(), AuthType: domain.AuthAPIKey, AuthConfig: raw}

	eff, err := Resolve(req, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(eff.Config))
}
