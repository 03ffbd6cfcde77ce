package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nmoreras/punchcard/internal/model"
)

// uploadRequest builds a multipart POST /v1/jobs body with the given file
// name, contents, and extra form fields.
func uploadRequest(t *testing.T, url, filename string, contents []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(contents); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField(%s): %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req, err := http.NewRequest("POST", url+"/v1/jobs", &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var e map[string]string
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e["error"]
}

func TestCreateJobAccepted(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "attendance.mdb", []byte("mdb-bytes"), map[string]string{
		"year": "2026", "month": "03",
	})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, mustRead(t, resp.Body))
	}

	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if created.Job == nil || created.Job.ID == "" {
		t.Fatal("response job missing ID")
	}
	if created.Job.Status != model.StatusQueued && created.Job.Status != model.StatusRunning {
		t.Errorf("status = %q, want queued or running", created.Job.Status)
	}
	if created.Job.Year != 2026 || created.Job.Month != 3 {
		t.Errorf("period = %04d-%02d, want 2026-03", created.Job.Year, created.Job.Month)
	}
	if want := "/v1/jobs/" + created.Job.ID + "/events"; created.EventsURL != want {
		t.Errorf("events_url = %q, want %q", created.EventsURL, want)
	}
	if want := "/v1/jobs/" + created.Job.ID + "/download"; created.DownloadURL != want {
		t.Errorf("download_url = %q, want %q", created.DownloadURL, want)
	}

	// The stub runner succeeds quickly.
	waitForStatus(t, srv.store, created.Job.ID, model.StatusSucceeded, 2*time.Second)
}

func TestCreateJobValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		want     int
	}{
		{"missing file", "", nil, http.StatusBadRequest},
		{"wrong extension", "attendance.csv", nil, http.StatusBadRequest},
		{"bad month", "attendance.mdb", map[string]string{"month": "13"}, http.StatusBadRequest},
		{"bad year", "attendance.mdb", map[string]string{"year": "soon"}, http.StatusBadRequest},
		{"future period", "attendance.mdb", map[string]string{"year": "2099", "month": "01"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, ts.URL, tt.filename, []byte("x"), tt.fields)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestCreateJobTooLarge(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.cfg.MaxUploadBytes = 256

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "big.mdb", bytes.Repeat([]byte("a"), 4096), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		req := uploadRequest(t, ts.URL, fmt.Sprintf("file%d.mdb", i), []byte("x"), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		var created createJobResponse
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		ids = append(ids, created.Job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, srv.store, id, model.StatusSucceeded, 2*time.Second)
	}

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(list.Jobs))
	}
	if list.Limit != 2 {
		t.Errorf("limit = %d, want 2", list.Limit)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelFinishedJobConflict(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "done.mdb", []byte("x"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	waitForStatus(t, srv.store, created.Job.ID, model.StatusSucceeded, 2*time.Second)

	del, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+created.Job.ID, nil)
	resp, err = http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelRunningJob(t *testing.T) {
	srv := newTestServer(t, &stubRunner{delay: 30 * time.Second})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "slow.mdb", []byte("x"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	waitForStatus(t, srv.store, created.Job.ID, model.StatusRunning, 2*time.Second)

	del, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+created.Job.ID, nil)
	resp, err = http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	waitForStatus(t, srv.store, created.Job.ID, model.StatusCancelled, 2*time.Second)
}

func TestDownloadLifecycle(t *testing.T) {
	srv := newTestServer(t, &stubRunner{delay: 30 * time.Second})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "report.mdb", []byte("x"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	waitForStatus(t, srv.store, created.Job.ID, model.StatusRunning, 2*time.Second)

	// Not finished yet.
	resp, err = http.Get(ts.URL + "/v1/jobs/" + created.Job.ID + "/download")
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status while running = %d, want 409", resp.StatusCode)
	}
}

func TestDownloadSucceededJob(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "report.mdb", []byte("x"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	j := waitForStatus(t, srv.store, created.Job.ID, model.StatusSucceeded, 2*time.Second)

	// The stub runner does not write the workbook; place one at the path the
	// job recorded so the handler can serve it.
	if err := os.WriteFile(j.OutputPath, []byte("xlsx-bytes"), 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}

	resp, err = http.Get(ts.URL + "/v1/jobs/" + created.Job.ID + "/download")
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, mustRead(t, resp.Body))
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("Content-Disposition = %q, want attachment", cd)
	}
	body := mustRead(t, resp.Body)
	if body != "xlsx-bytes" {
		t.Errorf("body = %q, want xlsx-bytes", body)
	}
}

func TestDownloadFailedJobReportsCause(t *testing.T) {
	srv := newTestServer(t, &stubRunner{err: errors.New("mdb-export exited with status 1")})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req := uploadRequest(t, ts.URL, "broken.mdb", []byte("x"), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created createJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	waitForStatus(t, srv.store, created.Job.ID, model.StatusFailed, 2*time.Second)

	resp, err = http.Get(ts.URL + "/v1/jobs/" + created.Job.ID + "/download")
	if err != nil {
		t.Fatalf("GET download: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if msg := decodeError(t, resp.Body); !strings.Contains(msg, "mdb-export") {
		t.Errorf("error = %q, want the failure cause", msg)
	}
}

func TestParsePeriodDefaults(t *testing.T) {
	now := time.Date(2026, time.August, 29, 12, 0, 0, 0, time.UTC)
	r := httptest.NewRequest("POST", "/v1/jobs", nil)

	year, month, err := parsePeriod(r, now)
	if err != nil {
		t.Fatalf("parsePeriod: %v", err)
	}
	if year != 2026 || month != 8 {
		t.Errorf("period = %04d-%02d, want 2026-08", year, month)
	}
}

func mustRead(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
