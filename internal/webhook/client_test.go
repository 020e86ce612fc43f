package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCallPost(t *testing.T) {
	var gotMethod, gotHeader, gotUA, gotType string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		gotUA = r.Header.Get("User-Agent")
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := NewClient(time.Second, "sendry-flow/test")
	resp, err := c.Call(context.Background(), &Request{
		Method:  "post",
		URL:     server.URL,
		Headers: map[string]string{"X-Token": "secret"},
		Payload: map[string]string{"enrollment_id": "e1"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if resp.StatusCode != http.StatusAccepted || string(resp.Body) != "ok" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotHeader != "secret" || gotUA != "sendry-flow/test" || gotType != "application/json" {
		t.Errorf("headers token=%q ua=%q type=%q", gotHeader, gotUA, gotType)
	}
	if gotBody["enrollment_id"] != "e1" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestCallGetHasNoBody(t *testing.T) {
	var bodyLen int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodyLen = len(data)
	}))
	defer server.Close()

	resp, err := NewClient(time.Second, "").Call(context.Background(), &Request{
		Method:  http.MethodGet,
		URL:     server.URL,
		Payload: map[string]string{"a": "b"},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.StatusCode != http.StatusOK || bodyLen != 0 {
		t.Errorf("status=%d bodyLen=%d", resp.StatusCode, bodyLen)
	}
}

func TestCallReturnsErrorStatusWithoutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := NewClient(time.Second, "").Call(context.Background(), &Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	_, err := NewClient(50*time.Millisecond, "").Call(context.Background(), &Request{URL: server.URL})
	if err == nil {
		t.Error("expected timeout error")
	}
}
