package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	p := FromContext(c)
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"/?limit=10&offset=30", 10, 30},
		{"/?limit=1000", MaxLimit, 0},
		{"/?limit=-5&offset=-1", DefaultLimit, 0},
		{"/?limit=abc", DefaultLimit, 0},
	}
	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, tt.query, nil), httptest.NewRecorder())
			p := FromContext(c)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got %+v, want limit=%d offset=%d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 2})
	if !resp.HasMore || resp.NextOffset == nil || *resp.NextOffset != 4 {
		t.Errorf("expected next offset 4, got %+v", resp)
	}

	last := NewResponse([]int{5}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore || last.NextOffset != nil {
		t.Errorf("last page should not have a next offset, got %+v", last)
	}
}

func TestParams_SQL(t *testing.T) {
	if got := (Params{Limit: 20, Offset: 40}).SQL(); got != "LIMIT 20 OFFSET 40" {
		t.Errorf("unexpected SQL %q", got)
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		p          Params
		n          int
		start, end int
	}{
		{Params{Limit: 2, Offset: 0}, 5, 0, 2},
		{Params{Limit: 2, Offset: 4}, 5, 4, 5},
		{Params{Limit: 2, Offset: 10}, 5, 5, 5},
	}
	for _, tt := range tests {
		s, e := tt.p.Window(tt.n)
		if s != tt.start || e != tt.end {
			t.Errorf("%+v over %d: got [%d,%d), want [%d,%d)", tt.p, tt.n, s, e, tt.start, tt.end)
		}
	}
}
