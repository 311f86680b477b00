// Package posts reads post feeds through an RSS mirror and normalizes
// them for the post watcher. Post ids are the numeric status ids
// embedded in item links, which gives the watcher a monotonic bound.
package posts

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"trackerbot/internal/tracker"
)

type Config struct {
	// BaseURL is the feed mirror, e.g. a self-hosted instance.
	BaseURL string

	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("posts feed base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

func (c *Client) Service() string { return "posts" }

func (c *Client) SourceURL(externalID, _ string) string {
	return c.cfg.BaseURL + "/" + url.PathEscape(externalID)
}

type rssFeed struct {
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			GUID    string `xml:"guid"`
			PubDate string `xml:"pubDate"`
			Creator string `xml:"creator"`
		} `xml:"item"`
	} `xml:"channel"`
}

// statusID extracts the trailing numeric id from a status link.
var statusID = regexp.MustCompile(`/status(?:es)?/(\d+)`)

func (c *Client) FetchPosts(ctx context.Context, externalID string) ([]tracker.Post, error) {
	feedURL := c.cfg.BaseURL + "/" + url.PathEscape(externalID) + "/rss"

	var body []byte
	err := retry.Do(
		func() error {
			var err error
			body, err = c.fetchOnce(ctx, feedURL)
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var rl *tracker.RateLimitError
			return !errors.As(err, &rl)
		}),
	)
	if err != nil {
		return nil, err
	}

	var feed rssFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("parse feed for %s: %w", externalID, err)
	}

	author := strings.TrimSpace(feedAuthor(feed.Channel.Title))
	posts := make([]tracker.Post, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		link := item.GUID
		if link == "" {
			link = item.Link
		}
		m := statusID.FindStringSubmatch(link)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		at, _ := time.Parse(time.RFC1123Z, item.PubDate)
		if at.IsZero() {
			at, _ = time.Parse(time.RFC1123, item.PubDate)
		}
		posts = append(posts, tracker.Post{
			ID:     id,
			At:     at,
			Author: author,
			Text:   strings.TrimSpace(item.Title),
			URL:    link,
		})
	}
	return posts, nil
}

func (c *Client) fetchOnce(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	case http.StatusTooManyRequests:
		return nil, &tracker.RateLimitError{ResetAt: time.Now().Add(time.Minute)}
	case http.StatusNotFound:
		// Account renamed or deleted. Unrecoverable for this fetch;
		// the watcher logs it and moves on.
		return nil, retry.Unrecoverable(&tracker.HTTPError{StatusCode: resp.StatusCode})
	default:
		return nil, &tracker.HTTPError{StatusCode: resp.StatusCode}
	}
}

// feedAuthor strips the mirror's "/ @handle" suffix from the channel
// title, leaving the display name.
func feedAuthor(title string) string {
	if i := strings.LastIndex(title, "/"); i > 0 {
		return strings.TrimSpace(title[:i])
	}
	return title
}
