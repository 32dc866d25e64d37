package handlers

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/services/kv"
	"github.com/ternarybob/geosafe/internal/storage/badger"
)

func newKVHandler(t *testing.T) *KVHandler {
	t.Helper()
	manager, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return NewKVHandler(kv.NewService(manager.KeyValueStorage(), arbor.NewLogger()), arbor.NewLogger())
}

func TestKVHandlerSettings(t *testing.T) {
	h := newKVHandler(t)

	rec := serve(h.UpdateKVHandler, "PUT", "/api/settings/smtp_host", `{"value":"mail.example.org"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h.UpdateKVHandler, "PUT", "/api/settings/smtp_password", `{"value":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h.ListKVHandler, "GET", "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mail.example.org")
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = serve(h.DeleteKVHandler, "DELETE", "/api/settings/smtp_host", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h.DeleteKVHandler, "DELETE", "/api/settings/smtp_host", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKVHandlerRejectsOtherKeys(t *testing.T) {
	h := newKVHandler(t)

	rec := serve(h.UpdateKVHandler, "PUT", "/api/settings/storage_path", `{"value":"/tmp"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.UpdateKVHandler, "PUT", "/api/settings/", `{"value":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
