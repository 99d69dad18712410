package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"invoqa/internal/auth"
	"invoqa/internal/config"
	"invoqa/internal/service/account"
	"invoqa/internal/service/chat"
	"invoqa/internal/service/invoice"
	"invoqa/internal/service/qa"
	"invoqa/internal/service/retrieval"
	"invoqa/internal/storage"
	"invoqa/internal/worker"
)

// testMaxUpload keeps the oversized-upload case cheap to build.
const testMaxUpload = 64 << 10

type fakeQueue struct {
	mu        sync.Mutex
	submitted []worker.ConvertTask
	full      bool
}

func (q *fakeQueue) Submit(task worker.ConvertTask) error {
	if q.full {
		return worker.ErrQueueFull
	}
	q.mu.Lock()
	q.submitted = append(q.submitted, task)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) CancelUser(int64) {}

func (q *fakeQueue) tasks() []worker.ConvertTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]worker.ConvertTask(nil), q.submitted...)
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, 8)
	for i, r := range text {
		vec[i%8] += float64(r)
	}
	return vec, nil
}

type fakeCompleter struct {
	reply string
}

func (f fakeCompleter) Complete(context.Context, string) (string, error) {
	return f.reply, nil
}

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, queue := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	// Upload an invoice image; conversion is handed to the queue.
	uploadResp := doUpload(t, router, userID, authHeader, "receipt.png", pngBytes(t))
	assertStatus(t, uploadResp, http.StatusCreated)
	var uploadBody struct {
		Invoice struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"invoice"`
	}
	decodeJSON(t, uploadResp.Body.Bytes(), &uploadBody)
	if uploadBody.Invoice.ID == "" {
		t.Fatalf("expected invoice id in upload response")
	}
	if uploadBody.Invoice.Status != "Uploaded" {
		t.Fatalf("expected Uploaded status, got %s", uploadBody.Invoice.Status)
	}
	tasks := queue.tasks()
	if len(tasks) != 1 || tasks[0].InvoiceID != uploadBody.Invoice.ID {
		t.Fatalf("expected one queued conversion for %s, got %v", uploadBody.Invoice.ID, tasks)
	}

	// Listing shows the invoice.
	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/invoices", userID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Total int `json:"total"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if listBody.Total != 1 {
		t.Fatalf("expected 1 invoice, got %d", listBody.Total)
	}

	// Polling the invoice returns its current status.
	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/invoices/%s", userID, uploadBody.Invoice.ID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)

	// Create a chat session titled from the first message.
	createResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat-sessions", userID),
		map[string]any{"first_message": "what is the total amount on my receipt?"},
		authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var createBody struct {
		Session struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"session"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &createBody)
	if createBody.Session.ID == "" {
		t.Fatalf("expected session id")
	}
	if createBody.Session.Title == "" || createBody.Session.Title == chat.DefaultSessionTitle {
		t.Fatalf("expected generated title, got %q", createBody.Session.Title)
	}

	// Ask a question; with no indexed documents the answer still succeeds.
	qaResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/qa", userID),
		map[string]any{"question": "what did I spend?", "session_id": createBody.Session.ID},
		authHeader)
	assertStatus(t, qaResp, http.StatusOK)
	var qaBody struct {
		Answer  string `json:"answer"`
		Sources struct {
			DocumentCount int `json:"document_count"`
		} `json:"sources"`
	}
	decodeJSON(t, qaResp.Body.Bytes(), &qaBody)
	if qaBody.Answer != "canned answer" {
		t.Fatalf("unexpected answer %q", qaBody.Answer)
	}
	if qaBody.Sources.DocumentCount != 0 {
		t.Fatalf("expected zero sources, got %d", qaBody.Sources.DocumentCount)
	}

	// Append a message and read the transcript back.
	msgResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/chat-sessions/%s/messages", userID, createBody.Session.ID),
		map[string]string{"role": "user", "content": "thanks"},
		authHeader)
	assertStatus(t, msgResp, http.StatusCreated)

	sessResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/chat-sessions/%s", userID, createBody.Session.ID), nil, authHeader)
	assertStatus(t, sessResp, http.StatusOK)
	var sessBody struct {
		Messages []struct {
			Text   string `json:"text"`
			Source string `json:"source"`
		} `json:"messages"`
	}
	decodeJSON(t, sessResp.Body.Bytes(), &sessBody)
	if len(sessBody.Messages) == 0 {
		t.Fatalf("expected transcript entries")
	}
	last := sessBody.Messages[len(sessBody.Messages)-1]
	if last.Text != "thanks" || last.Source != "messages" {
		t.Fatalf("unexpected last entry %+v", last)
	}

	// Rename, then delete the session.
	renameResp := doJSONRequest(t, router, http.MethodPatch,
		fmt.Sprintf("/api/users/%d/chat-sessions/%s", userID, createBody.Session.ID),
		map[string]string{"title": "Receipt Questions"},
		authHeader)
	assertStatus(t, renameResp, http.StatusOK)

	delSessResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/chat-sessions/%s", userID, createBody.Session.ID), nil, authHeader)
	assertStatus(t, delSessResp, http.StatusNoContent)

	goneResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/chat-sessions/%s", userID, createBody.Session.ID), nil, authHeader)
	assertStatus(t, goneResp, http.StatusNotFound)

	// Delete the invoice.
	delInvResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/invoices/%s", userID, uploadBody.Invoice.ID), nil, authHeader)
	assertStatus(t, delInvResp, http.StatusNoContent)

	// Logout invalidates the token.
	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/logout", userID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	afterLogout := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/invoices", userID), nil, authHeader)
	assertStatus(t, afterLogout, http.StatusUnauthorized)
}

func TestUploadValidation(t *testing.T) {
	router, db, queue := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	// Unsupported extension.
	resp := doUpload(t, router, userID, authHeader, "notes.txt", []byte("plain text"))
	assertStatus(t, resp, http.StatusBadRequest)

	// Extension lies about the content.
	resp = doUpload(t, router, userID, authHeader, "fake.png", []byte("this is not an image"))
	assertStatus(t, resp, http.StatusBadRequest)

	// Over the configured size cap.
	oversized := append(pngBytes(t), make([]byte, testMaxUpload)...)
	resp = doUpload(t, router, userID, authHeader, "huge.png", oversized)
	assertStatus(t, resp, http.StatusRequestEntityTooLarge)

	if len(queue.tasks()) != 0 {
		t.Fatalf("rejected uploads must not reach the queue")
	}
}

func TestPathUserMismatch(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/invoices", userID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestQuestionRequired(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/qa", userID),
		map[string]string{"question": "   "},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *fakeQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// A file-backed database keeps every pool connection on the same schema.
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "api_test.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	accounts := account.NewService(db)
	invoices := invoice.NewService(db)
	chats := chat.NewService(db)
	retrievalSvc := retrieval.NewService(db, fakeEmbedder{}, config.RetrievalConfig{
		SimilarityThreshold: config.DefaultSimilarityThreshold,
		MaxResults:          config.DefaultMaxResults,
		ContextBudget:       config.DefaultContextBudget,
	})
	qaSvc := qa.NewService(retrievalSvc, fakeCompleter{reply: "canned answer"}, fakeEmbedder{}, chats)
	authSvc := auth.NewService(db, nil, time.Hour)
	queue := &fakeQueue{}

	handler := NewHandler(accounts, authSvc, invoices, chats, qaSvc, queue, t.TempDir(), testMaxUpload)
	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, queue
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func doUpload(t *testing.T, router *gin.Engine, userID int64, headers map[string]string, filename string, contents []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(contents); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/users/%d/invoices", userID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
