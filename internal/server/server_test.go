package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zel-fathi/gep-monitoring/internal/app"
	"github.com/zel-fathi/gep-monitoring/internal/ratelimit"
	"github.com/zel-fathi/gep-monitoring/pkg/store"
)

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	dir := t.TempDir()
	privPath := filepath.Join(dir, "jwt.pem")
	pubPath := filepath.Join(dir, "jwt.pub.pem")
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privPath, pubPath
}

func newTestServer(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *httptest.Server {
	t.Helper()
	privPath, pubPath := writeKeyPair(t)
	sessions, err := store.NewJWTSessionStoreFromPEM(
		privPath, pubPath, "test-key", nil, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{},
	)
	if err != nil {
		t.Fatalf("jwt session store: %v", err)
	}
	core, err := app.New(app.Config{
		Store:         store.NewMemoryStore(),
		Sessions:      sessions,
		AdminUsername: "admin",
		AdminPassword: "secret123",
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv := httptest.NewServer(New(Config{
		App:            core,
		LoginLimiter:   limiter,
		MaxUploadBytes: 10 << 20,
	}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, username, password)
	resp, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if payload.TokenType != "bearer" || payload.AccessToken == "" {
		t.Fatalf("unexpected token payload: %+v", payload)
	}
	return payload.AccessToken
}

func doJSON(t *testing.T, method, url, token, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func uploadCSV(t *testing.T, srv *httptest.Server, token, filename, contents string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(contents)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/data/upload", &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read upload response: %v", err)
	}
	return resp, data
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return payload.Error
}

func TestHealthAndLogin(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Version == "" {
		t.Fatalf("health payload = %+v", health)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/token", "", `{"username":"admin","password":"nope"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad credentials status = %d", resp.StatusCode)
	}

	login(t, srv, "admin", "secret123")
}

func TestUploadThenMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	token := login(t, srv, "admin", "secret123")

	csv := "timestamp,consumption\n2025-01-01T00:00:00Z,5\n2025-01-01T01:00:00Z,bad\n2025-01-01T02:00:00Z,7\n"
	resp, body := uploadCSV(t, srv, token, "data.csv", csv)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, body)
	}
	var upload struct {
		Processed int64 `json:"records_processed"`
		Inserted  int64 `json:"records_inserted"`
	}
	if err := json.Unmarshal(body, &upload); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if upload.Processed != 2 || upload.Inserted != 2 {
		t.Fatalf("upload = %+v, want processed 2 inserted 2", upload)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/metrics", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	var metrics struct {
		CountPoints      int64   `json:"count_points"`
		TotalConsumption float64 `json:"total_consumption"`
		AvgConsumption   float64 `json:"avg_consumption"`
		PeakConsumption  float64 `json:"peak_consumption"`
		PeakTimestamp    string  `json:"peak_timestamp"`
	}
	if err := json.Unmarshal(body, &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if metrics.CountPoints != 2 || metrics.TotalConsumption != 12 || metrics.AvgConsumption != 6 || metrics.PeakConsumption != 7 {
		t.Fatalf("metrics = %+v", metrics)
	}
	if !strings.HasPrefix(metrics.PeakTimestamp, "2025-01-01T02:00:00") {
		t.Fatalf("peak_timestamp = %q", metrics.PeakTimestamp)
	}

	// Same file again: duplicates are skipped, nothing new inserted.
	resp, body = uploadCSV(t, srv, token, "data.csv", csv)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-upload status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &upload); err != nil {
		t.Fatalf("decode re-upload response: %v", err)
	}
	if upload.Processed != 2 || upload.Inserted != 0 {
		t.Fatalf("re-upload = %+v, want processed 2 inserted 0", upload)
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)
	token := login(t, srv, "admin", "secret123")

	resp, body := uploadCSV(t, srv, token, "notes.txt", "hello")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-csv status = %d: %s", resp.StatusCode, body)
	}

	resp, body = uploadCSV(t, srv, token, "broken.csv", "timestamp,consumption\n\"unterminated,5\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed csv status = %d: %s", resp.StatusCode, body)
	}
}

func TestDataPagination(t *testing.T) {
	srv := newTestServer(t, nil)
	token := login(t, srv, "admin", "secret123")

	var rows []string
	rows = append(rows, "timestamp,consumption")
	for i := 0; i < 5; i++ {
		rows = append(rows, fmt.Sprintf("2025-02-01T%02d:00:00Z,%d", i, i+1))
	}
	resp, body := uploadCSV(t, srv, token, "data.csv", strings.Join(rows, "\n")+"\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, body)
	}

	var page struct {
		Data       []struct{ Consumption float64 } `json:"data"`
		Count      int                             `json:"count"`
		Limit      int                             `json:"limit"`
		Page       int                             `json:"page"`
		Total      int64                           `json:"total"`
		TotalPages int64                           `json:"totalPages"`
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/data?limit=2&page=1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Count != 2 || page.Total != 5 || page.TotalPages != 3 {
		t.Fatalf("page 1 = %+v", page)
	}
	// Newest first.
	if page.Data[0].Consumption != 5 {
		t.Fatalf("first row consumption = %v, want 5", page.Data[0].Consumption)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/data?limit=2&page=4", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("beyond-end status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode empty page: %v", err)
	}
	if page.Count != 0 || page.Data == nil {
		t.Fatalf("page beyond end should be an empty array, got %+v", page)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/data?limit=0", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/data?limit=10001", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("limit=10001 status = %d", resp.StatusCode)
	}
}

func TestUserEndpointsValidationAndGating(t *testing.T) {
	srv := newTestServer(t, nil)
	adminToken := login(t, srv, "admin", "secret123")

	// Unauthenticated and non-admin access.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/users", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users", adminToken, `{"username":"ab","password":"secret123"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short username status = %d", resp.StatusCode)
	}
	if msg := errorMessage(t, body); msg != "Username must be at least 3 characters" {
		t.Fatalf("short username error = %q", msg)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/users", adminToken, `{"username":"alice","password":"secret123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d: %s", resp.StatusCode, body)
	}
	var created struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode created user: %v", err)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users", adminToken, `{"username":"alice","password":"other1"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate username status = %d", resp.StatusCode)
	}

	userToken := login(t, srv, "alice", "secret123")
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/users", userToken, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin list users status = %d", resp.StatusCode)
	}

	// Self-delete is forbidden; admin id is 1 (first-boot seed).
	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/users/1", adminToken, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-delete status = %d", resp.StatusCode)
	}
	if msg := errorMessage(t, body); msg != "You cannot delete your own user" {
		t.Fatalf("self-delete error = %q", msg)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+fmt.Sprintf("/users/%d", created.ID), adminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete user status = %d", resp.StatusCode)
	}
}

func TestReadingCRUDAndAdminGating(t *testing.T) {
	srv := newTestServer(t, nil)
	adminToken := login(t, srv, "admin", "secret123")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users", adminToken, `{"username":"alice","password":"secret123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d: %s", resp.StatusCode, body)
	}
	userToken := login(t, srv, "alice", "secret123")

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/data", userToken, `{"timestamp":"2025-03-01T10:00:00Z","consumption":12.5}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create reading status = %d: %s", resp.StatusCode, body)
	}
	var reading struct {
		ID          uint    `json:"id"`
		Consumption float64 `json:"consumption"`
	}
	if err := json.Unmarshal(body, &reading); err != nil {
		t.Fatalf("decode reading: %v", err)
	}

	// Posting the identical point again is a conflict, not a 500.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/data", userToken, `{"timestamp":"2025-03-01T10:00:00Z","consumption":12.5}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate reading status = %d: %s", resp.StatusCode, body)
	}
	if msg := errorMessage(t, body); msg != "An identical reading already exists" {
		t.Fatalf("duplicate reading error = %q", msg)
	}

	// Mutations on a reading are admin-only.
	resp, _ = doJSON(t, http.MethodPut, srv.URL+fmt.Sprintf("/data/%d", reading.ID), userToken, `{"consumption":13}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin update status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPut, srv.URL+fmt.Sprintf("/data/%d", reading.ID), adminToken, `{"consumption":13}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin update status = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+fmt.Sprintf("/data/%d", reading.ID), adminToken, `{"consumption":-1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative consumption status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+fmt.Sprintf("/data/%d", reading.ID), adminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete reading status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+fmt.Sprintf("/data/%d", reading.ID), userToken, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted reading status = %d", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t, nil)
	token := login(t, srv, "admin", "secret123")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/auth/logout", token, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/data", token, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token status = %d", resp.StatusCode)
	}
}

func TestExportEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	token := login(t, srv, "admin", "secret123")

	csv := "timestamp,consumption\n2025-01-01T00:00:00Z,5\n2025-01-01T02:00:00Z,7\n"
	resp, body := uploadCSV(t, srv, token, "data.csv", csv)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/export/data.csv", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export data status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 || lines[0] != "timestamp,consumption" {
		t.Fatalf("export csv = %q", body)
	}
	// Ascending by timestamp.
	if !strings.HasPrefix(lines[1], "2025-01-01T00:00:00Z") || !strings.HasPrefix(lines[2], "2025-01-01T02:00:00Z") {
		t.Fatalf("export csv order = %q", lines)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/export/metrics.csv", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export metrics status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(string(body), "metric,value") {
		t.Fatalf("metrics csv = %q", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/export/report.md", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export report status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "| Metric | Value |") {
		t.Fatalf("report markdown = %q", body)
	}
}

func TestLoginRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	srv := newTestServer(t, limiter)

	body := `{"username":"admin","password":"secret123"}`
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/token", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first login status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/token", "", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login status = %d", resp.StatusCode)
	}
}
