package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	var (
		gotHeaders http.Header
		gotBody    string
		gotQuery   string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/check", func(w http.ResponseWriter, r *http.Request) {
		gotHeaders, gotQuery = r.Header, r.URL.RawQuery
		w.Write([]byte(`{"exists":true,"reason":"path","file_id":"f1","state":"detected"}`))
	})
	mux.HandleFunc("POST /api/files/upload-stream", func(w http.ResponseWriter, r *http.Request) {
		gotHeaders, gotQuery = r.Header, r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"file":{"id":"f2","state":"detected"},"duplicate":false}`))
	})
	mux.HandleFunc("POST /api/files", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"source path already registered"}`))
	})
	mux.HandleFunc("POST /api/sites/{site}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = r.PathValue("site") + " " + string(b)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /api/sites/{site}/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tasks":[{"id":"t1","kind":"cleanup","file_id":"f1","file_path":"/x/a.mov","center_done":true}]}`))
	})
	mux.HandleFunc("POST /api/tasks/{id}/confirm-site", func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"task not found"}`))
			return
		}
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "Lisbon")
	file := FileInfo{Path: "/export/A 001.mxf", Filename: "A 001.mxf", Size: 5, Hash: sha("hello")}

	t.Run("check", func(t *testing.T) {
		res, err := c.Check(ctx, file)
		require.NoError(t, err)
		assert.True(t, res.Exists)
		assert.Equal(t, "path", res.Reason)
		assert.Equal(t, "secret", gotHeaders.Get("X-API-Key"))
		assert.Contains(t, gotQuery, "site=Lisbon")
		assert.Contains(t, gotQuery, "source_path=%2Fexport%2FA+001.mxf")
	})

	t.Run("upload", func(t *testing.T) {
		res, err := c.Upload(ctx, file, strings.NewReader("hello"))
		require.NoError(t, err)
		assert.Equal(t, "f2", res.File.ID)
		assert.Equal(t, "hello", gotBody)
		assert.Equal(t, "5", gotHeaders.Get("X-File-Size"))
		assert.Equal(t, file.Hash, gotHeaders.Get("X-File-Hash"))
		assert.Equal(t, "Lisbon", gotHeaders.Get("X-Source-Site"))
		assert.Equal(t, file.Path, gotHeaders.Get("X-Source-Path"))
		assert.Equal(t, "filename=A+001.mxf", gotQuery)
	})

	t.Run("conflict", func(t *testing.T) {
		_, err := c.RegisterMetadata(ctx, file)
		assert.ErrorIs(t, err, ErrAlreadyOnServer)
	})

	t.Run("heartbeat", func(t *testing.T) {
		free := 12.5
		require.NoError(t, c.Heartbeat(ctx, Heartbeat{DiskFreeGB: &free, ActiveTransfers: 1, Version: "dev"}))
		site, body, _ := strings.Cut(gotBody, " ")
		assert.Equal(t, "Lisbon", site)
		var hb map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &hb))
		assert.Equal(t, 12.5, hb["disk_free_gb"])
		assert.EqualValues(t, 1, hb["active_transfers"])
	})

	t.Run("pending tasks", func(t *testing.T) {
		tasks, err := c.PendingTasks(ctx)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, Task{ID: "t1", Kind: "cleanup", FileID: "f1", FilePath: "/x/a.mov", CenterDone: true}, tasks[0])
	})

	t.Run("confirm site", func(t *testing.T) {
		require.NoError(t, c.ConfirmSite(ctx, "t1", ""))
		assert.Equal(t, "Lisbon", gotHeaders.Get("X-Source-Site"))
		assert.JSONEq(t, `{"site":"Lisbon"}`, gotBody)

		require.NoError(t, c.ConfirmSite(ctx, "t1", "permission denied"))
		assert.JSONEq(t, `{"site":"Lisbon","error":"permission denied"}`, gotBody)
	})

	t.Run("api error", func(t *testing.T) {
		err := c.ConfirmSite(ctx, "missing", "")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "task not found", apiErr.Message)
	})
}
