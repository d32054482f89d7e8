package feeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/resilience"
)

const userAgent = "market-pipeline/1.0"

// Fetcher pulls listing pages and extracts article entries with the
// source's selectors.
type Fetcher struct {
	client *http.Client
}

// NewFetcher wires an HTTP client; a nil client gets a 30s timeout default.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch loads one source's listing page and returns the articles found on
// it. Entries without a title or link are skipped, not errors: listing
// pages routinely carry ads and navigation blocks matching the item
// selector.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]model.NewsItem, error) {
	doc, err := f.fetchDocument(ctx, src.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "feeds: fetch %s", src.Name)
	}

	var items []model.NewsItem
	seen := map[string]struct{}{}

	doc.Find(src.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		item, ok := parseEntry(sel, src)
		if !ok {
			return
		}
		if _, dup := seen[item.ContentHash]; dup {
			return
		}
		seen[item.ContentHash] = struct{}{}
		items = append(items, item)
	})

	return items, nil
}

func (f *Fetcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "feeds: build request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "feeds: request document"), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("feeds: listing returned %s", resp.Status)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, resilience.NewPermanentError(err)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "feeds: parse document")
	}
	return doc, nil
}

func parseEntry(sel *goquery.Selection, src Source) (model.NewsItem, bool) {
	title := strings.TrimSpace(sel.Find(src.TitleSelector).First().Text())
	if title == "" {
		return model.NewsItem{}, false
	}

	linkSel := sel.Find(src.LinkSelector).First()
	href, _ := linkSel.Attr("href")
	if href == "" {
		// Title element doubles as the link on many listings.
		href, _ = sel.Find(src.TitleSelector).First().Attr("href")
	}
	if href == "" {
		return model.NewsItem{}, false
	}
	href = absoluteURL(src.URL, href)

	summary := ""
	if src.SummarySelector != "" {
		summary = strings.TrimSpace(sel.Find(src.SummarySelector).First().Text())
	}

	publishedAt := time.Now().UTC()
	if src.DateSelector != "" {
		dateText := strings.TrimSpace(sel.Find(src.DateSelector).First().Text())
		format := src.DateFormat
		if format == "" {
			format = "2 Jan 2006"
		}
		if parsed, err := time.Parse(format, dateText); err == nil {
			publishedAt = parsed.UTC()
		}
	}

	return model.NewsItem{
		Source:      src.Name,
		URL:         href,
		Title:       title,
		Content:     summary,
		ContentHash: ContentHash(src.Name, href, title),
		Status:      model.NewsStatusIngested,
		PublishedAt: publishedAt,
	}, true
}

// ContentHash is the dedup key for an article: the same source, link and
// title always hash identically regardless of when the listing was polled.
func ContentHash(source, link, title string) string {
	h := sha256.Sum256([]byte(source + "\x00" + link + "\x00" + title))
	return hex.EncodeToString(h[:])
}

func absoluteURL(base, href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return parsed.ResolveReference(ref).String()
}
