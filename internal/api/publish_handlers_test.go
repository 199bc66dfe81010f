package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-relay/internal/crypto"
	"github.com/technosupport/ts-relay/internal/publish"
)

func newTestHandler(t *testing.T) (*PublishHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := publish.NewStore(db, crypto.NewKeyring())
	return NewPublishHandler(nil, store), mock
}

func routeRequest(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, "/cameras/{id}/credentials", h)
	r.MethodFunc(method, "/publish/config", h)
	r.MethodFunc(method, "/cameras", h)

	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetConfigNotFound(t *testing.T) {
	h, mock := newTestHandler(t)
	mock.ExpectQuery("FROM publish_configs").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := routeRequest(h.GetConfig, http.MethodGet, "/publish/config", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetConfigStripsAPIPassword(t *testing.T) {
	h, mock := newTestHandler(t)
	now := time.Now()
	mock.ExpectQuery("FROM publish_configs").WillReturnRows(sqlmock.NewRows([]string{
		"id", "name", "server_url", "api_url", "api_user", "api_password",
		"transport", "max_reconnects", "reconnect_delay_ms", "path_template",
		"is_active", "created_at", "updated_at",
	}).AddRow(uuid.New(), "primary", "rtsp://mtx:8554", "http://mtx:9997", "admin", "topsecret",
		"tcp", 3, 2000, "cam_{id}", true, now, now))

	w := routeRequest(h.GetConfig, http.MethodGet, "/publish/config", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "topsecret")
}

func TestSaveConfigValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	w := routeRequest(h.SaveConfig, http.MethodPut, "/publish/config", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "server_url")

	w = routeRequest(h.SaveConfig, http.MethodPut, "/publish/config",
		`{"server_url":"rtsp://mtx:8554","transport":"quic"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "transport")
}

func TestSaveConfigAssignsID(t *testing.T) {
	h, mock := newTestHandler(t)
	now := time.Now()
	mock.ExpectExec("UPDATE publish_configs SET is_active = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO publish_configs").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	w := routeRequest(h.SaveConfig, http.MethodPut, "/publish/config",
		`{"server_url":"rtsp://mtx:8554","transport":"tcp","is_active":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), uuid.Nil.String())
}

func TestSetCredentialsValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	id := uuid.New()

	w := routeRequest(h.SetCredentials, http.MethodPut, "/cameras/"+id.String()+"/credentials",
		`{"password":"pw"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "username")

	w = routeRequest(h.SetCredentials, http.MethodPut, "/cameras/not-a-uuid/credentials",
		`{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCameras(t *testing.T) {
	h, mock := newTestHandler(t)
	now := time.Now()
	mock.ExpectQuery("FROM cameras").WillReturnRows(sqlmock.NewRows([]string{
		"id", "name", "brand", "ip_address", "rtsp_port", "onvif_port", "http_port",
		"is_enabled", "created_at", "updated_at", "deleted_at",
	}).AddRow(uuid.New(), "Front Door", "dahua", "10.0.0.5", 554, 80, 80, true, now, now, nil))

	w := routeRequest(h.ListCameras, http.MethodGet, "/cameras", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Front Door")
}
