// Package pipeline orchestrates the multi-stage flow that turns a share URL
// into a playable media URL: share discovery, file listing, file selection,
// and a ladder of fallback endpoints for the stream URL itself.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/faraway-systems/terashare/internal/apiclient"
	"github.com/faraway-systems/terashare/internal/domain"
	"github.com/faraway-systems/terashare/internal/session"
)

// hostClient is the subset of apiclient.Client the pipeline depends on,
// named here so tests can substitute a fake without a live mirror.
type hostClient interface {
	Get(ctx context.Context, path string, params url.Values, referer string) (map[string]interface{}, error)
	Post(ctx context.Context, path string, params, form url.Values, referer string) (map[string]interface{}, error)
	FetchPage(ctx context.Context, rawURL string) (string, error)
	HeadFollow(ctx context.Context, rawURL string) (string, error)
}

// videoExtensions is the extension set Stage 3's first pass matches against.
var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".wmv": true,
	".flv": true, ".webm": true, ".m4v": true, ".ts": true,
}

// streamingTypes is the ordered list of `type` values Stage 4 rung 2 tries.
var streamingTypes = []string{"M3U8_AUTO_720", "M3U8_AUTO_480", "M3U8_FLV_264_480", "mp4"}

// Pipeline runs Extract against a Host API client.
type Pipeline struct {
	client hostClient
}

// New builds a Pipeline bound to client.
func New(client *apiclient.Client) *Pipeline {
	return &Pipeline{client: client}
}

// Extract resolves rawURL to a playable MediaInfo. Errors originating in
// this package are *ExtractError; a *apiclient.HostError or a transport/
// context error from a lower layer passes through unwrapped.
func (p *Pipeline) Extract(ctx context.Context, rawURL string) (*MediaInfo, error) {
	loc := domain.Parse(rawURL)
	if loc == nil {
		return nil, newExtractError(ErrInvalidURL, nil)
	}

	sc, err := p.fetchShareInfo(ctx, loc)
	if err != nil {
		return nil, err
	}

	if len(sc.FileList) == 0 {
		list, err := p.getFileList(ctx, sc)
		if err != nil {
			return nil, err
		}
		sc.FileList = list
	}
	if len(sc.FileList) == 0 {
		return nil, newExtractError(ErrNoFilesFound, nil)
	}

	entry := selectVideoFile(sc.FileList)

	streamURL, downloadURL, dlink, err := p.resolveStreamURL(ctx, sc, entry, loc)
	if err != nil {
		return nil, err
	}
	if streamURL == "" {
		return nil, newExtractError(ErrNoVideoFound, nil)
	}

	return &MediaInfo{
		Title:         entry.Filename,
		Filename:      entry.Filename,
		Size:          entry.Size,
		SizeFormatted: humanize.IBytes(uint64(entry.Size)),
		Thumbnail:     entry.Thumb,
		FsID:          entry.FsID,
		ShareID:       sc.ShareID,
		UK:            sc.UK,
		Surl:          sc.Surl,
		StreamURL:     streamURL,
		DownloadURL:   downloadURL,
		Dlink:         dlink,
		RawData:       entry,
	}, nil
}

// fetchShareInfo is Stage 1: try the shorturlinfo API, then fall back to
// scraping the share page's HTML.
func (p *Pipeline) fetchShareInfo(ctx context.Context, loc *domain.ShareLocator) (*ShareContext, error) {
	params := url.Values{"shorturl": {loc.Surl}, "root": {"1"}}
	data, err := p.client.Get(ctx, "/api/shorturlinfo", params, loc.CanonicalURL)
	if err == nil {
		sc := shareContextFromAPI(loc.Surl, data)
		if sc.ShareID != "" || len(sc.FileList) > 0 {
			return sc, nil
		}
	} else if isTerminal(err) {
		return nil, err
	}

	log.Printf("pipeline: shorturlinfo did not yield a usable share context, scraping page for %s", loc.Surl)
	html, err := p.client.FetchPage(ctx, loc.CanonicalURL)
	if err != nil {
		return nil, err
	}
	return scrapeSharePage(html, loc.Surl), nil
}

// getFileList is Stage 2: call /share/list when Stage 1 did not already
// produce a file list.
func (p *Pipeline) getFileList(ctx context.Context, sc *ShareContext) ([]FileEntry, error) {
	params := url.Values{
		"shorturl": {sc.Surl},
		"root":     {"1"},
		"dir":      {"/"},
		"page":     {"1"},
		"num":      {"100"},
		"order":    {"asc"},
		"by":       {"name"},
	}
	if sc.ShareID != "" {
		params.Set("shareid", sc.ShareID)
	}
	if sc.UK != "" {
		params.Set("uk", sc.UK)
	}

	data, err := p.client.Get(ctx, "/share/list", params, "https://www.terabox.com/s/"+sc.Surl)
	if err != nil {
		if isTerminal(err) {
			return nil, err
		}
		return nil, nil
	}
	return fileListFromAPI(data), nil
}

// selectVideoFile is Stage 3: three ordered passes over the file list.
func selectVideoFile(list []FileEntry) FileEntry {
	for _, f := range list {
		name := strings.ToLower(f.Filename)
		for ext := range videoExtensions {
			if strings.HasSuffix(name, ext) {
				return f
			}
		}
	}
	for _, f := range list {
		if f.Category == 1 {
			return f
		}
	}
	for _, f := range list {
		if strings.Contains(strings.ToLower(f.MimeType), "video") {
			return f
		}
	}
	return list[0]
}

// resolveStreamURL is Stage 4: the five-rung ladder, first non-empty URL
// wins. It returns the chosen stream URL, a download URL (which may equal
// the stream URL), and the raw dlink as observed, for diagnostics.
func (p *Pipeline) resolveStreamURL(ctx context.Context, sc *ShareContext, entry FileEntry, loc *domain.ShareLocator) (streamURL, downloadURL, dlink string, err error) {
	referer := "https://www.terabox.com/s/" + sc.Surl

	if entry.Dlink != "" {
		if u := p.rungDlinkHead(ctx, entry.Dlink); u != "" {
			return u, u, entry.Dlink, nil
		}
	}

	if u := p.rungStreaming(ctx, sc, entry, referer); u != "" {
		return u, u, entry.Dlink, nil
	}

	if u := p.rungDownload(ctx, sc, entry, referer); u != "" {
		return u, u, entry.Dlink, nil
	}

	if u := p.rungFilemetas(ctx, entry, referer); u != "" {
		return u, u, entry.Dlink, nil
	}

	if u := p.rungVideoPlay(ctx, sc, entry, referer); u != "" {
		return u, u, entry.Dlink, nil
	}

	return "", "", entry.Dlink, nil
}

// rungDlinkHead resolves a pre-baked dlink by following its redirect chain;
// on any failure it falls back to the unvalidated dlink itself.
func (p *Pipeline) rungDlinkHead(ctx context.Context, dlink string) string {
	sep := "&"
	if !strings.Contains(dlink, "?") {
		sep = "?"
	}
	probe := dlink + sep

	resolved, err := p.client.HeadFollow(ctx, probe)
	if err != nil {
		log.Printf("pipeline: dlink HEAD failed, returning unvalidated dlink: %v", err)
		return dlink
	}
	return resolved
}

func (p *Pipeline) rungStreaming(ctx context.Context, sc *ShareContext, entry FileEntry, referer string) string {
	for _, t := range streamingTypes {
		params := url.Values{
			"type":    {t},
			"uk":      {sc.UK},
			"shareid": {sc.ShareID},
			"fid":     {entry.FsID},
		}
		if sc.Sign != "" {
			params.Set("sign", sc.Sign)
		}
		if sc.Timestamp != "" {
			params.Set("timestamp", sc.Timestamp)
		}

		data, err := p.client.Get(ctx, "/share/streaming", params, referer)
		if err != nil {
			if hostErr, ok := asHostError(err); ok && hostErr.Errno == 2 {
				continue
			}
			if isTerminal(err) {
				return ""
			}
			continue
		}
		if u := firstOf(data, "lurl", "dlink", "url", "path", "mlink"); u != "" {
			return u
		}
		if u := extractFromURLsField(data); u != "" {
			return u
		}
	}
	return ""
}

func (p *Pipeline) rungDownload(ctx context.Context, sc *ShareContext, entry FileEntry, referer string) string {
	timestamp := sc.Timestamp
	if timestamp == "" {
		timestamp = itoa(time.Now().Unix())
	}
	sign := sc.Sign
	if sign == "" {
		sign = session.Sign(timestamp, sc.ShareID)
	}

	fidList, err := json.Marshal([]string{entry.FsID})
	if err != nil {
		return ""
	}

	params := url.Values{
		"shareid":  {sc.ShareID},
		"uk":       {sc.UK},
		"fid_list": {string(fidList)},
		"sign":     {sign},
		"timestamp": {timestamp},
	}

	data, err := p.client.Get(ctx, "/share/download", params, referer)
	if err != nil {
		return ""
	}
	if u := firstOfNested(data, "list", "dlink", "url"); u != "" {
		return u
	}
	return firstOf(data, "dlink")
}

func (p *Pipeline) rungFilemetas(ctx context.Context, entry FileEntry, referer string) string {
	target, err := json.Marshal([]string{entry.FsID})
	if err != nil {
		return ""
	}
	params := url.Values{"dlink": {"1"}, "target": {string(target)}}

	data, err := p.client.Get(ctx, "/api/filemetas", params, referer)
	if err != nil {
		return ""
	}
	return firstOfNested(data, "info", "dlink")
}

func (p *Pipeline) rungVideoPlay(ctx context.Context, sc *ShareContext, entry FileEntry, referer string) string {
	params := url.Values{"surl": {sc.Surl}, "fid": {entry.FsID}}

	data, err := p.client.Get(ctx, "/share/videoPlay", params, referer)
	if err != nil {
		return ""
	}
	return firstOf(data, "video", "url", "stream", "hd_url", "sd_url")
}

func firstOf(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// firstOfNested reads data[listKey][0][urlKeys...], falling back to
// data[listKey]["url"/"dlink"] if the container is a single object rather
// than a list.
func firstOfNested(data map[string]interface{}, listKey string, urlKeys ...string) string {
	raw, ok := data[listKey]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		first, ok := v[0].(map[string]interface{})
		if !ok {
			return ""
		}
		return firstOf(first, urlKeys...)
	case map[string]interface{}:
		return firstOf(v, urlKeys...)
	}
	return ""
}

// extractFromURLsField handles the streaming endpoint's "urls" field,
// which the Host serves inconsistently as either a list or a single object.
func extractFromURLsField(data map[string]interface{}) string {
	raw, ok := data["urls"]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		if first, ok := v[0].(map[string]interface{}); ok {
			return firstOf(first, "url", "dlink")
		}
	case map[string]interface{}:
		return firstOf(v, "url", "dlink")
	}
	return ""
}

// asHostError unwraps err looking for an *apiclient.HostError.
func asHostError(err error) (*apiclient.HostError, bool) {
	var hostErr *apiclient.HostError
	if errors.As(err, &hostErr) {
		return hostErr, true
	}
	return nil, false
}

// isTerminal reports whether err should abort the pipeline outright rather
// than fall through to the next stage/rung — a canceled or deadline-
// exceeded context is terminal, everything else (including HostError) is
// treated as "this path failed, try the next one".
func isTerminal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
