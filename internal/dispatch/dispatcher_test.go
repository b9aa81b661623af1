package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salvo/internal/domain"
	"salvo/internal/session"
)

var course = domain.TargetItem{ID: "COSE101-02", Label: "Data Structures"}

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *session.HTTP) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := session.NewHTTP(session.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return srv, s
}

func TestAttemptSendsFormAndHeaders(t *testing.T) {
	var got *http.Request
	var form string
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		form = string(b)
		_, _ = w.Write([]byte(`{"result":"SUCCESS"}`))
	})

	d := New(s, Options{
		RunID: "run-1",
		Request: Request{
			URL:        srv.URL + "/core/service/sugang/register",
			ItemField:  "course_code",
			LabelField: "course_name",
			Fields:     map[string]string{"year": "2026", "course_code": "overridden"},
			Referer:    srv.URL + "/",
		},
	})

	rec := d.Attempt(context.Background(), course, 7)
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/core/service/sugang/register", got.URL.Path)
	assert.Contains(t, form, "course_code=COSE101-02")
	assert.Contains(t, form, "year=2026")
	assert.Contains(t, form, "course_name=Data+Structures")
	assert.Equal(t, "XMLHttpRequest", got.Header.Get("X-Requested-With"))
	assert.Equal(t, srv.URL+"/", got.Header.Get("Referer"))
	assert.Contains(t, got.Header.Get("Accept"), "application/json")
	assert.Contains(t, userAgents, got.Header.Get("User-Agent"))

	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, uint64(7), rec.Seq)
	assert.Equal(t, course, rec.Item)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, `{"result":"SUCCESS"}`, rec.Fragment)
	assert.NoError(t, rec.Err)
	assert.False(t, rec.DispatchAt.IsZero())
}

func TestAttemptGetUsesQuery(t *testing.T) {
	var query string
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
	})
	d := New(s, Options{Request: Request{Method: http.MethodGet, URL: srv.URL + "/reg?lang=ko", ItemField: "code"}})

	rec := d.Attempt(context.Background(), course, 1)
	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Contains(t, query, "code=COSE101-02")
	assert.Contains(t, query, "lang=ko")
}

func TestAttemptOverloaded(t *testing.T) {
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	rec := New(s, Options{Request: Request{URL: srv.URL}}).Attempt(context.Background(), course, 1)
	assert.Equal(t, domain.OutcomeOverloaded, rec.Outcome)
	assert.Equal(t, 503, rec.Status)
}

func TestAttemptSessionExpired(t *testing.T) {
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	rec := New(s, Options{Request: Request{URL: srv.URL}}).Attempt(context.Background(), course, 1)
	assert.Equal(t, domain.OutcomeRejected, rec.Outcome)
	assert.ErrorIs(t, rec.Err, session.ErrExpired)
}

type failingDoer struct{}

func (failingDoer) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestAttemptTransportError(t *testing.T) {
	rec := New(failingDoer{}, Options{Request: Request{URL: "http://127.0.0.1:1/"}}).Attempt(context.Background(), course, 3)
	assert.Equal(t, domain.OutcomeTransportError, rec.Outcome)
	require.Error(t, rec.Err)
	assert.Contains(t, rec.Err.Error(), "connection refused")
}

func TestAttemptBadURLIsTransportError(t *testing.T) {
	rec := New(failingDoer{}, Options{Request: Request{URL: "://bad"}}).Attempt(context.Background(), course, 1)
	assert.Equal(t, domain.OutcomeTransportError, rec.Outcome)
	assert.Error(t, rec.Err)
}

func TestAttemptFragmentBounded(t *testing.T) {
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	})
	rec := New(s, Options{Request: Request{URL: srv.URL}, MaxBody: 1024, FragmentLen: 32}).Attempt(context.Background(), course, 1)
	assert.Len(t, rec.Fragment, 32)
}

func TestAttemptFragmentKeepsRunesWhole(t *testing.T) {
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("정원초과", 10)))
	})
	rec := New(s, Options{Request: Request{URL: srv.URL}, FragmentLen: 32}).Attempt(context.Background(), course, 1)
	assert.True(t, utf8.ValidString(rec.Fragment))
	assert.Len(t, rec.Fragment, 30)
	assert.True(t, strings.HasPrefix(rec.Fragment, "정원초과"))
}

func TestFragment(t *testing.T) {
	assert.Equal(t, "abc", fragment([]byte("  abc \n"), 10))
	assert.Equal(t, "가", fragment([]byte("가나"), 4))
	assert.Equal(t, "", fragment([]byte("가나"), 2))
}

func TestAttemptJitter(t *testing.T) {
	srv, s := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	d := New(s, Options{Request: Request{URL: srv.URL}, Jitter: Jitter{Min: 40 * time.Millisecond, Max: 60 * time.Millisecond}})

	start := time.Now()
	rec := d.Attempt(context.Background(), course, 1)
	assert.GreaterOrEqual(t, rec.DispatchAt.Sub(start), 40*time.Millisecond)
}

func TestAttemptJitterCanceled(t *testing.T) {
	d := New(failingDoer{}, Options{Request: Request{URL: "http://x/"}, Jitter: Jitter{Min: time.Hour, Max: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := d.Attempt(ctx, course, 1)
	assert.Equal(t, domain.OutcomeTransportError, rec.Outcome)
	assert.ErrorIs(t, rec.Err, context.Canceled)
}

func TestJitterDraw(t *testing.T) {
	j := Jitter{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 200; i++ {
		d := j.draw()
		assert.GreaterOrEqual(t, d, j.Min)
		assert.Less(t, d, j.Max)
	}
	assert.Zero(t, Jitter{}.draw())
	assert.Equal(t, 5*time.Millisecond, Jitter{Min: 5 * time.Millisecond, Max: 5 * time.Millisecond}.draw())
}
