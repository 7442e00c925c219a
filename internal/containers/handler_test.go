package containers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepo) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, NewService(repo, nil)).MountRoutes(r)
	return r
}

func upload(t *testing.T, router http.Handler, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/batch-weight", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerImportsCSV(t *testing.T) {
	repo := newMemoryRepo(kg("C-1", 50))
	router := newTestRouter(repo)

	rec := upload(t, router, "containers1.csv", "id,kg\nC-1,60\nC-2,70\n")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"inserted":1,"skipped":["C-1"]}`, rec.Body.String())
}

func TestHandlerRejectsUnsupportedUpload(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	rec := upload(t, router, "containers.xml", "<c/>")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, router, "broken.json", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerListsUnknown(t *testing.T) {
	repo := newMemoryRepo(kg("C-1", 50))
	repo.seen = []string{"C-1", "C-9", "C-3"}
	router := newTestRouter(repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["C-3","C-9"]`, rec.Body.String())

	repo.seen = nil
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	require.JSONEq(t, `[]`, rec.Body.String())
}
