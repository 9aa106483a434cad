// Package fetch finds URLs in captured messages and turns the linked pages
// into readable markdown for the capture stage.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/hpungsan/margin/internal/item"
)

// MaxContentChars caps the page content handed to the oracle (runes).
const MaxContentChars = 4000

// TruncatedMarker is appended to content cut at MaxContentChars.
const TruncatedMarker = "\n\n[Content truncated]"

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 5 << 20

const userAgent = "Mozilla/5.0 (compatible; margin/1.0; personal knowledge base)"

var urlPattern = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)

// URLs returns every http(s) URL in text, in order of appearance.
func URLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m = trimURL(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// FirstURL returns the first URL in text, or "".
func FirstURL(text string) string {
	m := urlPattern.FindString(text)
	if m == "" {
		return ""
	}
	return trimURL(m)
}

// trimURL drops sentence punctuation that the pattern swallows.
func trimURL(u string) string {
	u = strings.TrimRight(u, ".,;:!?")
	if strings.HasSuffix(u, "://") {
		return ""
	}
	return u
}

// Fetcher downloads pages and extracts their readable content.
type Fetcher struct {
	client   *http.Client
	maxChars int
	log      *zap.Logger
}

// New creates a Fetcher whose requests time out after timeout.
func New(timeout time.Duration, log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxChars: MaxContentChars,
		log:      log.Named("fetch"),
	}
}

// Fetch downloads rawURL and returns its readable content as markdown,
// truncated to MaxContentChars.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "", fmt.Errorf("fetch: invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch: HTTP %d from %s", resp.StatusCode, pageURL.Host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("fetch: read body: %w", err)
	}

	var text string
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		text = strings.TrimSpace(string(body))
	} else {
		text, err = Readable(string(body), pageURL)
		if err != nil {
			return "", err
		}
	}

	f.log.Debug("fetched page",
		zap.String("host", pageURL.Host),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)))
	return item.Truncate(text, f.maxChars, TruncatedMarker), nil
}

// Readable extracts the main article of an HTML page as markdown, with the
// page title as the first line. When readability finds no article the
// page's plain text is used instead.
func Readable(html string, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err != nil {
		return "", fmt.Errorf("fetch: extract article: %w", err)
	}

	converter := md.NewConverter("", true, nil)
	body, err := converter.ConvertString(article.Content)
	if err != nil || strings.TrimSpace(body) == "" {
		body = article.TextContent
	}
	body = strings.TrimSpace(body)

	title := strings.TrimSpace(article.Title)
	if title == "" {
		return body, nil
	}
	return title + "\n\n" + body, nil
}

// Augment appends fetched page content to a captured message so the oracle
// sees both.
func Augment(message, pageURL, content string) string {
	if content == "" {
		return message
	}
	return fmt.Sprintf("%s\n\n--- Fetched content (%s) ---\n%s", message, pageURL, content)
}
