package notify

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// BarkNotifier sends notifications via the Bark app.
type BarkNotifier struct {
	baseURL string
	group   string
	client  *http.Client
}

// NewBarkNotifier creates a Bark notifier for a device URL such as https://api.day.app/<key>.
func NewBarkNotifier(baseURL string) (*BarkNotifier, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("bark url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "parse bark url")
	}
	return &BarkNotifier{
		baseURL: baseURL,
		group:   "jobengine",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	// POST with query parameters; long bodies do not fit the /{title}/{body} path form.
	form := url.Values{}
	form.Set("title", title)
	form.Set("body", body)
	form.Set("group", b.group)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, nil)
	if err != nil {
		return errors.Wrap(err, "create bark request")
	}
	req.URL.RawQuery = form.Encode()

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send bark notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Newf("bark api returned status: %d", resp.StatusCode)
	}
	return nil
}
