package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", handler)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestOK(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		OK(c, gin.H{"instanceId": "wf-123"})
	})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	resp := decode(t, w)
	if resp.Code != CodeSuccess {
		t.Errorf("code = %d, want %d", resp.Code, CodeSuccess)
	}
	if resp.Message != "success" {
		t.Errorf("message = %q, want success", resp.Message)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["instanceId"] != "wf-123" {
		t.Errorf("data = %v, want the instance id payload", resp.Data)
	}
}

func TestOKMsg(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		OKMsg(c, "token issued", gin.H{"token": "abc"})
	})

	resp := decode(t, w)
	if resp.Code != CodeSuccess {
		t.Errorf("code = %d, want %d", resp.Code, CodeSuccess)
	}
	if resp.Message != "token issued" {
		t.Errorf("message = %q, want the custom message", resp.Message)
	}
}

func TestOKItems(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		OKItems(c, []gin.H{{"id": "wf-1"}, {"id": "wf-2"}}, 41, 2, 20)
	})

	resp := decode(t, w)
	if resp.Code != CodeSuccess {
		t.Errorf("code = %d, want %d", resp.Code, CodeSuccess)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %v, want a list envelope", resp.Data)
	}
	if data["total"] != float64(41) || data["page"] != float64(2) || data["pageSize"] != float64(20) {
		t.Errorf("pagination = %v, want total 41, page 2, pageSize 20", data)
	}
	items, ok := data["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v, want 2 entries", data["items"])
	}
}

func TestFail(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		Fail(c, http.StatusBadRequest, CodeParamInvalid, "at least one domain is required")
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	resp := decode(t, w)
	if resp.Code != CodeParamInvalid {
		t.Errorf("code = %d, want %d", resp.Code, CodeParamInvalid)
	}
	if resp.Message != "at least one domain is required" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Data != nil {
		t.Error("error responses carry no data")
	}
}

func TestFailErr(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		FailErr(c, ErrDuplicateRequest("an issuance for this target is already in flight"))
	})

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	resp := decode(t, w)
	if resp.Code != CodeDuplicateRequest {
		t.Errorf("code = %d, want %d", resp.Code, CodeDuplicateRequest)
	}
	if resp.Message != "an issuance for this target is already in flight" {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Data != nil {
		t.Error("error responses carry no data")
	}
}

func TestFailErr_HidesInternalError(t *testing.T) {
	w := serve(t, func(c *gin.Context) {
		// The upstream failure is logged, never sent to the client.
		FailErr(c, ErrExternalError("certificate authority unreachable", errors.New("dial tcp: connection refused")))
	})

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	resp := decode(t, w)
	if resp.Code != CodeExternalError {
		t.Errorf("code = %d, want %d", resp.Code, CodeExternalError)
	}
	if resp.Message != "certificate authority unreachable" {
		t.Errorf("message = %q, want the public message only", resp.Message)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error leaked into the response body")
	}
}
