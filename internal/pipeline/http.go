package pipeline

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const maxResponseBody = 1 << 20

// httpAction sends one request per item. Parameters:
//
//	url       request URL, ${key} expanded from the item
//	method    HTTP method, default GET
//	body      request body, ${key} expanded
//	header.X  request header X
//	timeout   per-request timeout, default 30s
//	rate      maximum requests per second across items
//
// The response status is stored under "status" and the body under "body". Status codes of
// 400 and above fail the action.
type httpAction struct {
	method  string
	url     string
	body    string
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPAction(params map[string]string) (Action, error) {
	a := &httpAction{
		method:  strings.ToUpper(params["method"]),
		url:     params["url"],
		body:    params["body"],
		headers: make(map[string]string),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if a.url == "" {
		return nil, errors.New("url is required")
	}
	if a.method == "" {
		a.method = http.MethodGet
	}
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			a.headers[name] = v
		}
	}
	if v := params["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, errors.Newf("invalid timeout %q", v)
		}
		a.client.Timeout = d
	}
	if v := params["rate"]; v != "" {
		perSecond, err := strconv.ParseFloat(v, 64)
		if err != nil || perSecond <= 0 {
			return nil, errors.Newf("invalid rate %q", v)
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return a, nil
}

func (a *httpAction) Process(ctx context.Context, env Env, items []Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		status, body, err := a.do(ctx, item)
		if err != nil {
			return nil, err
		}
		env.Logger.Debugw("http request done", "method", a.method, "status", status)
		next := item.clone()
		next["status"] = status
		next["body"] = body
		out = append(out, next)
	}
	return out, nil
}

func (a *httpAction) do(ctx context.Context, item Item) (int, string, error) {
	var body io.Reader
	if a.body != "" {
		body = strings.NewReader(item.Expand(a.body))
	}
	url := item.Expand(a.url)
	req, err := http.NewRequestWithContext(ctx, a.method, url, body)
	if err != nil {
		return 0, "", errors.Wrap(err, "build request")
	}
	for k, v := range a.headers {
		req.Header.Set(k, item.Expand(v))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", errors.Wrapf(err, "%s %s", a.method, url)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, "", errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, string(data), errors.Newf("%s %s: unexpected status %d", a.method, url, resp.StatusCode)
	}
	return resp.StatusCode, string(data), nil
}
