package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bidding-kb-go/internal/model"
	"bidding-kb-go/internal/pipeline"
	"bidding-kb-go/internal/repository"
	"bidding-kb-go/internal/service"
	"bidding-kb-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type stubUpload struct {
	req      service.UploadRequest
	contents []string
	err      error
}

func (s *stubUpload) Upload(_ context.Context, req service.UploadRequest) (*model.UploadResult, error) {
	s.req = req
	for _, f := range req.Files {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		s.contents = append(s.contents, string(b))
	}
	if s.err != nil {
		return nil, s.err
	}
	res := &model.UploadResult{SessionID: "s1"}
	for _, f := range req.Files {
		res.Items = append(res.Items, model.UploadItemResult{RecordID: "id-" + f.Name, Filename: f.Name, Status: model.StatusUploaded})
	}
	return res, nil
}

type stubFiles struct {
	mu       sync.Mutex
	views    []model.StatusView
	calls    int
	err      error
	filter   repository.FileFilter
	limit    int
	resolved string
	image    model.ImageRecord
}

func (s *stubFiles) Status(_ context.Context, fileID string) (*model.StatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	v := s.views[min(s.calls, len(s.views)-1)]
	s.calls++
	v.FileID = fileID
	return &v, nil
}

func (s *stubFiles) List(_ context.Context, filter repository.FileFilter, limit, _ int) ([]model.FileRecord, int64, error) {
	s.filter, s.limit = filter, limit
	return []model.FileRecord{{ID: "a"}}, 1, s.err
}

func (s *stubFiles) Chapters(context.Context, string) ([]model.ChapterRecord, error) {
	return nil, s.err
}

func (s *stubFiles) Images(_ context.Context, fileID string) ([]model.ImageRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []model.ImageRecord{s.image}, nil
}

func (s *stubFiles) Image(_ context.Context, fileID string, ordinal int) (*model.ImageRecord, error) {
	if ordinal != s.image.Ordinal {
		return nil, repository.ErrNotFound
	}
	img := s.image
	return &img, nil
}

func (s *stubFiles) Tables(_ context.Context, fileID string) ([]model.TableRecord, error) {
	return []model.TableRecord{{FileID: fileID, Ordinal: 1, Markdown: "| 序号 | 名称 |"}}, s.err
}

func (s *stubFiles) FinancialReports(_ context.Context, fileID string) ([]model.FinancialReport, error) {
	return []model.FinancialReport{{FileID: fileID, Year: 2023, PageCount: 12}}, s.err
}

func (s *stubFiles) Delete(context.Context, string) error { return s.err }

func (s *stubFiles) Resolve(_ context.Context, fileID, action string) (*model.FileRecord, error) {
	s.resolved = action
	if s.err != nil {
		return nil, s.err
	}
	return &model.FileRecord{ID: fileID, Status: model.StatusUploaded}, nil
}

func (s *stubFiles) Reparse(_ context.Context, fileID string) (*model.FileRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.FileRecord{ID: fileID, Status: model.StatusIndexed}, nil
}

type stubKnowledge struct {
	query service.SearchQuery
	err   error
}

func (s *stubKnowledge) Search(_ context.Context, q service.SearchQuery) ([]model.SearchResultDTO, error) {
	s.query = q
	if s.err != nil {
		return nil, s.err
	}
	return []model.SearchResultDTO{{FileID: "f1", ChunkKey: "1-0", Similarity: 0.9}}, nil
}

func (s *stubKnowledge) ListEntries(_ context.Context, _ repository.KnowledgeFilter, limit, offset int) (*service.EntryPage, error) {
	return &service.EntryPage{Limit: limit, Offset: offset}, nil
}

func (s *stubKnowledge) Statistics(context.Context) (*model.Statistics, error) {
	return &model.Statistics{TotalFiles: 3}, nil
}

type stubDiagnostics struct{ maxLines int }

func (s *stubDiagnostics) ChaptersSummary(_ context.Context, fileID string) (*service.ChaptersSummary, error) {
	return &service.ChaptersSummary{FileID: fileID}, nil
}

func (s *stubDiagnostics) ExtractPreview(_ context.Context, fileID string, maxLines int) (*service.ExtractPreview, error) {
	s.maxLines = maxLines
	return &service.ExtractPreview{FileID: fileID}, nil
}

func (s *stubDiagnostics) CompareChapters(_ context.Context, a, b string) (*service.ChapterComparison, error) {
	return &service.ChapterComparison{FileID1: a, FileID2: b}, nil
}

type fixture struct {
	upload      *stubUpload
	files       *stubFiles
	knowledge   *stubKnowledge
	diagnostics *stubDiagnostics
	router      *gin.Engine
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		upload:      &stubUpload{},
		files:       &stubFiles{views: []model.StatusView{{Status: model.StatusIndexed}}},
		knowledge:   &stubKnowledge{},
		diagnostics: &stubDiagnostics{},
		router:      gin.New(),
	}
	Handlers{
		Upload:      NewUploadHandler(f.upload),
		Files:       NewFileHandler(f.files),
		Progress:    NewProgressHandler(f.files, 5*time.Millisecond),
		Search:      NewSearchHandler(f.knowledge),
		Diagnostics: NewDiagnosticsHandler(f.diagnostics, f.files),
	}.Register(f.router, token.NewJWTManager(secret))
	return f
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, token.Claims{
		Username:         "alice",
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, contentType, role string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+bearer(t, role))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	f := newFixture()
	body, ct := multipartBody(t,
		map[string]string{"duplicate_action": "update", "category": "tender"},
		map[string]string{"招标文件.txt": "第一章 招标公告", "b.txt": "bbb"})

	w, env := f.do(t, http.MethodPost, "/api/v1/upload", body, ct, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusOK, env.Code)

	assert.Equal(t, "alice", f.upload.req.Uploader)
	assert.Equal(t, "update", f.upload.req.DuplicateAction)
	assert.Equal(t, "tender", f.upload.req.Category)
	assert.Len(t, f.upload.req.Files, 2)
	assert.ElementsMatch(t, []string{"第一章 招标公告", "bbb"}, f.upload.contents)

	var result model.UploadResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "s1", result.SessionID)
	assert.Len(t, result.Items, 2)
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"backpressure", service.ErrBackpressure, http.StatusTooManyRequests},
		{"bad request", fmt.Errorf("%w: unknown category", service.ErrUpload), http.StatusBadRequest},
		{"internal", fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.upload.err = tt.err
			body, ct := multipartBody(t, nil, map[string]string{"a.txt": "x"})
			w, env := f.do(t, http.MethodPost, "/api/v1/upload", body, ct, "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.want, env.Code)
		})
	}

	f := newFixture()
	body, ct := multipartBody(t, map[string]string{"category": "tender"}, nil)
	w, _ := f.do(t, http.MethodPost, "/api/v1/upload", body, ct, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileRoutes(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodGet, "/api/v1/files/f1/status", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view model.StatusView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "f1", view.FileID)

	w, _ = f.do(t, http.MethodGet, "/api/v1/files?status=indexed&category=report&limit=10", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, repository.FileFilter{Status: model.StatusIndexed, Category: model.CategoryReport}, f.files.filter)
	assert.Equal(t, 10, f.files.limit)

	w, _ = f.do(t, http.MethodGet, "/api/v1/files?category=invoice", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/files?limit=-1", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/files/f1/resolve", strings.NewReader(`{"action":"overwrite"}`), "application/json", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "overwrite", f.files.resolved)
	w, _ = f.do(t, http.MethodPost, "/api/v1/files/f1/resolve", strings.NewReader(`{}`), "application/json", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileDerivedDataRoutes(t *testing.T) {
	f := newFixture()
	imagePath := filepath.Join(t.TempDir(), "1.png")
	require.NoError(t, os.WriteFile(imagePath, []byte("\x89PNG fake"), 0o644))
	f.files.image = model.ImageRecord{FileID: "f1", Ordinal: 1, Format: "png", Path: imagePath}

	w, env := f.do(t, http.MethodGet, "/api/v1/files/f1/images", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var images struct {
		Images []model.ImageRecord `json:"images"`
		Total  int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &images))
	assert.Equal(t, 1, images.Total)
	assert.Equal(t, 1, images.Images[0].Ordinal)

	w, _ = f.do(t, http.MethodGet, "/api/v1/files/f1/images/1/download", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "1.png")
	assert.Equal(t, "\x89PNG fake", w.Body.String())

	w, _ = f.do(t, http.MethodGet, "/api/v1/files/f1/images/2/download", nil, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/files/f1/images/x/download", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/files/f1/tables", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), "| 序号 | 名称 |")

	w, env = f.do(t, http.MethodGet, "/api/v1/files/f1/financial-reports", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var reports struct {
		Reports []model.FinancialReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reports))
	require.Len(t, reports.Reports, 1)
	assert.Equal(t, 2023, reports.Reports[0].Year)

	f.files.err = repository.ErrNotFound
	w, _ = f.do(t, http.MethodGet, "/api/v1/files/missing/images", nil, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFileErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{pipeline.ErrAlreadyProcessing, http.StatusConflict},
		{fmt.Errorf("wrap: %w", repository.ErrStatusConflict), http.StatusConflict},
	}
	for _, tt := range tests {
		f := newFixture()
		f.files.err = tt.err
		w, env := f.do(t, http.MethodDelete, "/api/v1/files/f1", nil, "", "")
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
		assert.Equal(t, tt.err.Error(), env.Message)
	}
}

func TestSearchRoute(t *testing.T) {
	f := newFixture()

	w, env := f.do(t, http.MethodGet, "/api/v1/search?q=qualification&limit=3&min_similarity=0.4&category=tender", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.SearchQuery{Query: "qualification", Limit: 3, MinSimilarity: 0.4, Category: "tender"}, f.knowledge.query)
	var results []model.SearchResultDTO
	require.NoError(t, json.Unmarshal(env.Data, &results))
	assert.Len(t, results, 1)

	w, _ = f.do(t, http.MethodGet, "/api/v1/search", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/search?q=x&min_similarity=abc", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.knowledge.err = fmt.Errorf("%w: unknown category", service.ErrInvalidQuery)
	w, _ = f.do(t, http.MethodGet, "/api/v1/search?q=x&category=bad", nil, "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/knowledge/statistics", nil, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"total_files":3`)
}

func TestDiagnosticsRequireAdmin(t *testing.T) {
	f := newFixture()

	w, _ := f.do(t, http.MethodGet, "/api/v1/diagnostics/chapters-summary/f1", nil, "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/diagnostics/chapters-summary/f1", nil, "", token.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/diagnostics/extract-preview/f1?max_lines=5", nil, "", token.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.diagnostics.maxLines)

	w, _ = f.do(t, http.MethodGet, "/api/v1/diagnostics/compare-chapters?file_id1=a", nil, "", token.RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/diagnostics/compare-chapters?file_id1=a&file_id2=b", nil, "", token.RoleAdmin)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		w, env := f.do(t, method, "/api/v1/diagnostics/reparse/f1", nil, "", token.RoleAdmin)
		assert.Equal(t, http.StatusAccepted, w.Code, method)
		assert.Equal(t, http.StatusAccepted, env.Code)
	}

	f.files.err = fmt.Errorf("%w: parsing", pipeline.ErrNotReparseable)
	w, _ = f.do(t, http.MethodPost, "/api/v1/diagnostics/reparse/f1", nil, "", token.RoleAdmin)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProgressStream(t *testing.T) {
	f := newFixture()
	f.files.views = []model.StatusView{
		{Status: model.StatusUploaded},
		{Status: model.StatusUploaded},
		{Status: model.StatusParsing},
		{Status: model.StatusIndexing, ChapterCount: 8},
		{Status: model.StatusIndexed, ChapterCount: 8, KnowledgeEntryCount: 6},
	}
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/files/f1/progress?token=" + bearer(t, "")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frames []ProgressMessage
	for {
		var msg ProgressMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		frames = append(frames, msg)
	}

	var statuses []model.FileStatus
	for _, m := range frames {
		if m.Type == "status" {
			statuses = append(statuses, m.Data.Status)
		}
	}
	assert.Equal(t, []model.FileStatus{
		model.StatusUploaded, model.StatusParsing, model.StatusIndexing, model.StatusIndexed,
	}, statuses)
	last := frames[len(frames)-1]
	assert.Equal(t, "completion", last.Type)
	assert.Equal(t, "indexed", last.Message)
}

func TestProgressUnknownFile(t *testing.T) {
	f := newFixture()
	f.files.err = repository.ErrNotFound

	w, _ := f.do(t, http.MethodGet, "/api/v1/files/missing/progress", nil, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
