package dispatch

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"salvo/internal/domain"
	"salvo/internal/session"
)

// Request describes the shape of one attempt. The item id goes into
// ItemField; Fields and the item's Params are merged in, Params winning.
type Request struct {
	Method     string
	URL        string
	ItemField  string
	LabelField string
	Fields     map[string]string
	Referer    string
	Accept     string
}

type Jitter struct {
	Min time.Duration
	Max time.Duration
}

func (j Jitter) draw() time.Duration {
	if j.Max <= 0 || j.Max < j.Min {
		return max(j.Min, 0)
	}
	if j.Max == j.Min {
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min)
}

type Options struct {
	RunID      string
	Request    Request
	Jitter     Jitter
	Classifier Classifier
	UserAgents []string
	// MaxBody bounds how much of a response is read for classification.
	MaxBody int64
	// FragmentLen bounds the excerpt kept on the record.
	FragmentLen int
}

// Dispatcher issues single attempts. It never retries and never returns an
// error: every failure is folded into the record.
type Dispatcher struct {
	doer session.Doer
	opts Options
	now  func() time.Time
}

func New(doer session.Doer, opts Options) *Dispatcher {
	if opts.Request.Method == "" {
		opts.Request.Method = http.MethodPost
	}
	if opts.Request.ItemField == "" {
		opts.Request.ItemField = "item"
	}
	if opts.Request.Accept == "" {
		opts.Request.Accept = "application/json, text/javascript, */*; q=0.01"
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultRules()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = 4096
	}
	if opts.FragmentLen <= 0 {
		opts.FragmentLen = 256
	}
	return &Dispatcher{doer: doer, opts: opts, now: time.Now}
}

func (d *Dispatcher) Attempt(ctx context.Context, item domain.TargetItem, seq uint64) domain.AttemptRecord {
	rec := domain.AttemptRecord{RunID: d.opts.RunID, Item: item, Seq: seq}

	if j := d.opts.Jitter.draw(); j > 0 {
		t := time.NewTimer(j)
		select {
		case <-ctx.Done():
			t.Stop()
			rec.DispatchAt = d.now()
			rec.Outcome = domain.OutcomeTransportError
			rec.Err = ctx.Err()
			return rec
		case <-t.C:
		}
	}

	req, err := d.build(ctx, item)
	if err != nil {
		rec.DispatchAt = d.now()
		rec.Outcome = domain.OutcomeTransportError
		rec.Err = fmt.Errorf("build request: %w", err)
		return rec
	}

	rec.DispatchAt = d.now()
	resp, err := d.doer.Do(req)
	if err != nil {
		rec.Latency = d.now().Sub(rec.DispatchAt)
		rec.Outcome = domain.OutcomeTransportError
		rec.Err = err
		return rec
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxBody))
	rec.Latency = d.now().Sub(rec.DispatchAt)
	rec.Status = resp.StatusCode
	if err != nil {
		rec.Outcome = domain.OutcomeTransportError
		rec.Err = fmt.Errorf("read body: %w", err)
		return rec
	}
	rec.Fragment = fragment(body, d.opts.FragmentLen)
	rec.Outcome, rec.Err = d.opts.Classifier.Classify(resp.StatusCode, body)
	return rec
}

func (d *Dispatcher) build(ctx context.Context, item domain.TargetItem) (*http.Request, error) {
	r := d.opts.Request
	form := url.Values{}
	for k, v := range r.Fields {
		form.Set(k, v)
	}
	for k, v := range item.Params {
		form.Set(k, v)
	}
	form.Set(r.ItemField, item.ID)
	if r.LabelField != "" {
		form.Set(r.LabelField, item.Label)
	}

	var (
		req *http.Request
		err error
	)
	if r.Method == http.MethodGet {
		u, perr := url.Parse(r.URL)
		if perr != nil {
			return nil, perr
		}
		q := u.Query()
		for k, vs := range form {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, r.Method, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.Method, r.URL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", randomUserAgent(d.opts.UserAgents))
	req.Header.Set("Accept", r.Accept)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if r.Referer != "" {
		req.Header.Set("Referer", r.Referer)
	}
	return req, nil
}

func fragment(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary so the excerpt stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
