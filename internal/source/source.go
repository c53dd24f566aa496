// Package source downloads SPL label archives and unpacks the label XML.
package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultDailyMedBaseURL is the public DailyMed services root.
const DefaultDailyMedBaseURL = "https://dailymed.nlm.nih.gov/dailymed"

// ErrXMLNotFound is returned when an archive carries no .xml entry.
var ErrXMLNotFound = errors.New("xml not found in archive")

// ArchiveURL returns the zip download URL for a label set id.
func ArchiveURL(baseURL, setID string) string {
	q := url.Values{}
	q.Set("setid", setID)
	q.Set("type", "zip")
	return strings.TrimRight(baseURL, "/") + "/getFile.cfm?" + q.Encode()
}

// Fetcher downloads label archives.
type Fetcher struct {
	http *resty.Client
}

// NewFetcher creates a Fetcher with the given request timeout and retry count.
func NewFetcher(timeout time.Duration, retries int) *Fetcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/zip")
	return &Fetcher{http: client}
}

// FetchArchive downloads the archive at archiveURL.
func (f *Fetcher) FetchArchive(ctx context.Context, archiveURL string) ([]byte, error) {
	resp, err := f.http.R().SetContext(ctx).Get(archiveURL)
	if err != nil {
		return nil, fmt.Errorf("download archive: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download archive failed: %s", resp.Status())
	}
	return resp.Body(), nil
}

// ExtractXML returns the content of the first .xml entry of a zip archive.
func ExtractXML(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	for _, file := range reader.File {
		if !strings.HasSuffix(strings.ToLower(file.Name), ".xml") {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		return content, nil
	}

	return nil, ErrXMLNotFound
}

// Label is the document source for one label archive.
type Label struct {
	fetcher *Fetcher
	url     string
}

// NewLabel binds a fetcher to an archive URL.
func NewLabel(fetcher *Fetcher, archiveURL string) *Label {
	return &Label{fetcher: fetcher, url: archiveURL}
}

// URL returns the archive location.
func (l *Label) URL() string {
	return l.url
}

// Fetch downloads the archive and returns the label XML.
func (l *Label) Fetch(ctx context.Context) ([]byte, error) {
	archive, err := l.fetcher.FetchArchive(ctx, l.url)
	if err != nil {
		return nil, err
	}
	return ExtractXML(archive)
}
