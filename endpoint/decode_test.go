package endpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

type Pagination struct {
	Page int `query:"page"`
}

type decodeParams struct {
	Pagination
	ID       string   `path:"id"`
	ReturnTo string   `query:"return_to"`
	Debug    bool     `query:"debug"`
	Tags     []string `query:"tag"`
	Request  string   `header:"X-Request-ID"`
	Session  string   `cookie:"hm_session" maxLength:""`
	Skipped  string   `query:"-"`
	Short    string   `query:"short" maxLength:"3"`
	untagged string
}

func TestUnmarshal(t *testing.T) {
	mux := http.NewServeMux()
	var got decodeParams
	var decodeErr error
	mux.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		decodeErr = Unmarshal(r, &got)
	})

	req := httptest.NewRequest(http.MethodGet, "/items/42?return_to=%2Fuser%2Fhealth&debug=true&tag=a&tag=b&page=3&Skipped=x&short=abc", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.AddCookie(&http.Cookie{Name: "hm_session", Value: strings.Repeat("v", 5000)})
	mux.ServeHTTP(httptest.NewRecorder(), req)

	if decodeErr != nil {
		t.Fatalf("Unmarshal: %v", decodeErr)
	}
	want := decodeParams{
		Pagination: Pagination{Page: 3},
		ID:         "42",
		ReturnTo:   "/user/health",
		Debug:      true,
		Tags:       []string{"a", "b"},
		Request:    "req-1",
		Session:    strings.Repeat("v", 5000),
		Short:      "abc",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestUnmarshal_PointerParams(t *testing.T) {
	var p *decodeParams
	if err := Unmarshal(httptest.NewRequest(http.MethodGet, "/?return_to=/x", nil), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p == nil || p.ReturnTo != "/x" {
		t.Errorf("expected ReturnTo /x, got %+v", p)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	type intParams struct {
		N int8 `query:"n"`
	}
	type badLimit struct {
		S string `query:"s" maxLength:"abc"`
	}

	tests := []struct {
		name   string
		target string
		dst    any
		status int
	}{
		{"too long", "/?short=abcd", &decodeParams{}, http.StatusBadRequest},
		{"default limit", "/?return_to=" + strings.Repeat("a", 4097), &decodeParams{}, http.StatusBadRequest},
		{"bad bool", "/?debug=maybe", &decodeParams{}, http.StatusBadRequest},
		{"int overflow", "/?n=300", &intParams{}, http.StatusBadRequest},
		{"bad maxLength tag", "/?s=x", &badLimit{}, http.StatusInternalServerError},
		{"non-pointer", "/", decodeParams{}, http.StatusInternalServerError},
		{"non-struct", "/", new(string), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Unmarshal(httptest.NewRequest(http.MethodGet, tt.target, nil), tt.dst)
			var ee *EndpointError
			if !errors.As(err, &ee) {
				t.Fatalf("expected EndpointError, got %v", err)
			}
			if ee.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, ee.Status)
			}
		})
	}
}
