package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatmerge/internal/storage"
)

type folderPatch struct {
	Name        *string `json:"name"`
	ParentID    *string `json:"parentId"`
	ClearParent bool    `json:"clearParent"`
	Color       *string `json:"color"`
	Icon        *string `json:"icon"`
}

func handleListFolders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folders, err := deps.Store.ListFolders()
		if err != nil {
			writeStoreError(w, err, "folders")
			return
		}
		if folders == nil {
			folders = []storage.DBFolder{}
		}
		writeData(w, http.StatusOK, folders)
	}
}

func handleCreateFolder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f storage.DBFolder
		if !decodeBody(w, r, maxRequestBodySize, &f) {
			return
		}
		created, err := deps.Store.CreateFolder(f)
		if err != nil {
			writeStoreError(w, err, "folder")
			return
		}
		writeData(w, http.StatusCreated, created)
	}
}

func handleFolderTree(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tree, err := deps.Store.FolderTree()
		if err != nil {
			writeStoreError(w, err, "folder tree")
			return
		}
		if tree == nil {
			tree = []storage.FolderNode{}
		}
		writeData(w, http.StatusOK, tree)
	}
}

func handleGetFolder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := deps.Store.GetFolder(chi.URLParam(r, "id"))
		if err != nil {
			writeStoreError(w, err, "folder")
			return
		}
		writeData(w, http.StatusOK, f)
	}
}

func handlePatchFolder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p folderPatch
		if !decodeBody(w, r, maxRequestBodySize, &p) {
			return
		}
		f, err := deps.Store.UpdateFolder(chi.URLParam(r, "id"), storage.FolderUpdate{
			Name:        p.Name,
			ParentID:    p.ParentID,
			ClearParent: p.ClearParent,
			Color:       p.Color,
			Icon:        p.Icon,
		})
		if err != nil {
			writeStoreError(w, err, "folder")
			return
		}
		writeData(w, http.StatusOK, f)
	}
}

// handleDeleteFolder leaves conversation and child references dangling unless
// ?moveToRoot=true.
func handleDeleteFolder(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteFolder(chi.URLParam(r, "id"), parseBoolParam(r, "moveToRoot")); err != nil {
			writeStoreError(w, err, "folder")
			return
		}
		writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
