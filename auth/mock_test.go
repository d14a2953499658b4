package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMockClientAuth(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if _, err := c.Auth(r); err == nil {
		t.Fatalf("anonymous request accepted")
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?uid=alice", nil)
	uid, err := c.Auth(r)
	if err != nil || uid != "alice" {
		t.Fatalf("query auth: uid=%s err=%v", uid, err)
	}

	// cookie wins over query
	r = httptest.NewRequest(http.MethodGet, "/ws?uid=alice", nil)
	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "bob"})
	uid, err = c.Auth(r)
	if err != nil || uid != "bob" {
		t.Fatalf("cookie auth: uid=%s err=%v", uid, err)
	}
}
