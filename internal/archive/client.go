// Package archive is the client for the external mail-archive service.
// Lookups are synchronous HTTP calls with a timeout; an unknown
// message-id is ErrNotFound, anything else that goes wrong is
// ErrServiceUnavailable and must never be mistaken for "no data".
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// ErrNotFound means the archives do not know the message-id.
var ErrNotFound = errors.New("message not found in archives")

// ServiceUnavailableError wraps a transport or server-side failure of
// the archives backend. Retryable, and distinct from not-found.
type ServiceUnavailableError struct {
	Err error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("failed to communicate with archives backend: %v", e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

// IsServiceUnavailable reports whether err is an archives outage.
func IsServiceUnavailable(err error) bool {
	var sue *ServiceUnavailableError
	return errors.As(err, &sue)
}

// Attachment is one attachment on an archived message.
type Attachment struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Message is one message in an archived thread.
type Message struct {
	MsgID       string       `json:"msgid"`
	Subject     string       `json:"subj"`
	From        string       `json:"from"`
	Date        time.Time    `json:"-"`
	RawDate     string       `json:"date"`
	Attachments []Attachment `json:"atts"`
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

func (m *Message) parseDate() error {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, m.RawDate); err == nil {
			m.Date = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable message date %q", m.RawDate)
}

// Client talks to the archives. A nil redis client disables caching.
type Client struct {
	baseURL    string
	hostHeader string
	httpClient *http.Client
	cache      *redis.Client
	cacheTTL   time.Duration
	log        *logrus.Entry
}

// Config holds the configuration for the archive client
type Config struct {
	Server     string
	Port       int
	Host       string
	TimeoutSec int
	Cache      *redis.Client
	CacheSec   int
}

// NewClient creates an archive client
func NewClient(cfg *Config) *Client {
	scheme := "http"
	if cfg.Port == 443 {
		scheme = "https"
	}
	return &Client{
		baseURL:    fmt.Sprintf("%s://%s:%d", scheme, cfg.Server, cfg.Port),
		hostHeader: cfg.Host,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		cache:      cfg.Cache,
		cacheTTL:   time.Duration(cfg.CacheSec) * time.Second,
		log:        logrus.WithField("component", "archive-client"),
	}
}

// Thread fetches all messages of the thread containing messageID,
// sorted oldest first.
func (c *Client) Thread(ctx context.Context, messageID string) ([]Message, error) {
	var messages []Message
	suburl := "/message-id.json/" + url.PathEscape(messageID)
	if err := c.getJSON(ctx, suburl, nil, &messages); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Date.Before(messages[j].Date)
	})
	return messages, nil
}

// Latest lists recent threads on the list, optionally filtered by a
// search string and to messages carrying attachments, newest first.
func (c *Client) Latest(ctx context.Context, search string, attachOnly bool) ([]Message, error) {
	params := url.Values{}
	params.Set("n", "100")
	if attachOnly {
		params.Set("a", "1")
	} else {
		params.Set("a", "0")
	}
	if search != "" {
		params.Set("s", search)
	}

	var messages []Message
	if err := c.getJSON(ctx, "/list/pgsql-hackers/latest.json", params, &messages); err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Date.After(messages[j].Date)
	})
	return messages, nil
}

func (c *Client) getJSON(ctx context.Context, suburl string, params url.Values, out *[]Message) error {
	cacheKey := ""
	if c.cache != nil && c.cacheTTL > 0 {
		cacheKey = "archive:" + suburl
		if params != nil {
			cacheKey += "?" + params.Encode()
		}
		if cached, err := c.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			if json.Unmarshal(cached, out) == nil {
				return c.parseDates(*out)
			}
		}
		// Cache miss or a redis hiccup; fall through to HTTP either way.
	}

	fullURL := c.baseURL + suburl
	if params != nil {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return &ServiceUnavailableError{Err: err}
	}
	req.Host = c.hostHeader

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServiceUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return &ServiceUnavailableError{Err: fmt.Errorf("JSON call failed: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ServiceUnavailableError{Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ServiceUnavailableError{Err: fmt.Errorf("malformed archives response: %w", err)}
	}
	if err := c.parseDates(*out); err != nil {
		return &ServiceUnavailableError{Err: err}
	}

	if cacheKey != "" {
		if err := c.cache.Set(ctx, cacheKey, body, c.cacheTTL).Err(); err != nil {
			c.log.WithError(err).Debug("archive cache write failed")
		}
	}
	return nil
}

func (c *Client) parseDates(messages []Message) error {
	for i := range messages {
		if err := messages[i].parseDate(); err != nil {
			return err
		}
		// Some archive endpoints return bare message-ids, others wrap
		// them in angle brackets.
		messages[i].MsgID = strings.Trim(messages[i].MsgID, "<>")
	}
	return nil
}
