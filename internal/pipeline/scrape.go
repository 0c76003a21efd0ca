package pipeline

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// bundlePrefixPatterns locate the assignment that precedes an inline JSON
// blob in a share page's HTML. The object itself is extracted by counting
// balanced braces from the first "{" after the match, not by a regex
// capture — a non-greedy `.*?` stops at the first "}" it sees, which is
// wrong the moment the blob contains a nested object (e.g. a file_list
// entry), and the Host does not reliably terminate the assignment with a
// trailing ";" for us to anchor on. The page's shape is unstable across
// Host releases, so this list is data an operator can extend without
// touching the stages below.
var bundlePrefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`window\.locals\s*=\s*`),
	regexp.MustCompile(`__locals\s*=\s*`),
	regexp.MustCompile(`window\.__INITIAL_STATE__\s*=\s*`),
	regexp.MustCompile(`var\s+share(?:Info|Data)\s*=\s*`),
}

// dataShareInfoPattern is the one bundle source that is not a brace-scan
// candidate: it is a quoted HTML attribute value, terminated by the first
// unescaped quote rather than by brace balance.
var dataShareInfoPattern = regexp.MustCompile(`(?s)data-share-info="([^"]+)"`)

// fileListFallbackPatterns recover a bare file_list/list JSON array when the
// bundle scrape did not yield a file list.
var fileListFallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)"file_list"\s*:\s*(\[.+?\])\s*[,}]`),
	regexp.MustCompile(`(?s)"list"\s*:\s*(\[.+?\])\s*[,}]`),
}

var htmlEntityReplacer = strings.NewReplacer(
	`&quot;`, `"`,
	`&amp;`, `&`,
	`&#39;`, `'`,
	`&lt;`, `<`,
	`&gt;`, `>`,
)

// fieldFallbackPatterns recover individual ShareContext fields that the
// bundle scrape above left empty.
var fieldFallbackPatterns = map[string][]*regexp.Regexp{
	"shareid": {
		regexp.MustCompile(`"shareid"\s*:\s*"?(\d+)"?`),
		regexp.MustCompile(`shareid=(\d+)`),
	},
	"uk": {
		regexp.MustCompile(`"uk"\s*:\s*"?(\d+)"?`),
		regexp.MustCompile(`[?&]uk=(\d+)`),
	},
	"sign": {
		regexp.MustCompile(`"sign"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`[?&]sign=([^&"'\s]+)`),
	},
	"timestamp": {
		regexp.MustCompile(`"timestamp"\s*:\s*"?(\d+)"?`),
		regexp.MustCompile(`[?&]timestamp=(\d+)`),
	},
}

// scrapeSharePage extracts a ShareContext from a share page's raw HTML
// body: first by locating and flattening an inline JSON bundle, then by
// individual regex fallback for any field the bundle did not yield.
func scrapeSharePage(html, surl string) *ShareContext {
	sc := &ShareContext{Surl: surl}

	if jsonText, ok := findBundle(html); ok {
		flattenInto(sc, jsonText)
	}
	if len(sc.FileList) == 0 {
		sc.FileList = fallbackFileList(html)
	}

	if sc.ShareID == "" {
		sc.ShareID = fallbackField(html, "shareid")
	}
	if sc.UK == "" {
		sc.UK = fallbackField(html, "uk")
	}
	if sc.Sign == "" {
		sc.Sign = fallbackField(html, "sign")
	}
	if sc.Timestamp == "" {
		sc.Timestamp = fallbackField(html, "timestamp")
	}

	return sc
}

func findBundle(html string) (string, bool) {
	if m := dataShareInfoPattern.FindStringSubmatch(html); len(m) > 1 {
		decoded := decodeBundleText(m[1])
		if gjson.Valid(decoded) {
			return decoded, true
		}
	}

	for _, p := range bundlePrefixPatterns {
		loc := p.FindStringIndex(html)
		if loc == nil {
			continue
		}
		obj, ok := extractBalancedObject(html[loc[1]:])
		if !ok {
			continue
		}
		decoded := decodeBundleText(obj)
		if gjson.Valid(decoded) {
			return decoded, true
		}
	}
	return "", false
}

// extractBalancedObject returns the first brace-balanced `{...}` object in
// s, starting from the first "{". Brace counting ignores braces that occur
// inside quoted strings so a nested object (e.g. an entry of file_list)
// does not end the scan early.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// fallbackFileList recovers a bare file_list/list JSON array directly from
// the HTML when the bundle scrape did not yield a file list.
func fallbackFileList(html string) []FileEntry {
	for _, p := range fileListFallbackPatterns {
		m := p.FindStringSubmatch(html)
		if len(m) < 2 {
			continue
		}
		decoded := decodeBundleText(m[1])
		if !gjson.Valid(decoded) {
			continue
		}
		var entries []FileEntry
		gjson.Parse(decoded).ForEach(func(_, v gjson.Result) bool {
			entries = append(entries, fileEntryFromResult(v))
			return true
		})
		if len(entries) > 0 {
			return entries
		}
	}
	return nil
}

func decodeBundleText(s string) string {
	s = htmlEntityReplacer.Replace(s)
	if unescaped, err := url.QueryUnescape(s); err == nil {
		if gjson.Valid(unescaped) {
			return unescaped
		}
	}
	return s
}

// nestedContainers are the keys the Host's page bundles sometimes nest
// share fields under instead of placing them at the top level.
var nestedContainers = []string{"", "share.", "file.", "list.", "data."}

func gjsonField(jsonText, field string) string {
	for _, prefix := range nestedContainers {
		r := gjson.Get(jsonText, prefix+field)
		if r.Exists() {
			return r.String()
		}
	}
	return ""
}

func flattenInto(sc *ShareContext, jsonText string) {
	sc.ShareID = gjsonField(jsonText, "shareid")
	sc.UK = gjsonField(jsonText, "uk")
	sc.Sign = gjsonField(jsonText, "sign")
	sc.Timestamp = gjsonField(jsonText, "timestamp")
	sc.Title = gjsonField(jsonText, "title")

	for _, prefix := range nestedContainers {
		arr := gjson.Get(jsonText, prefix+"file_list")
		if !arr.Exists() {
			continue
		}
		var entries []FileEntry
		arr.ForEach(func(_, v gjson.Result) bool {
			entries = append(entries, fileEntryFromResult(v))
			return true
		})
		if len(entries) > 0 {
			sc.FileList = entries
			break
		}
	}
}

func fileEntryFromResult(v gjson.Result) FileEntry {
	filename := v.Get("server_filename").String()
	if filename == "" {
		filename = v.Get("filename").String()
	}
	thumb := v.Get("thumbs.url3").String()
	if thumb == "" {
		thumb = v.Get("thumb").String()
	}
	return FileEntry{
		FsID:     v.Get("fs_id").String(),
		Filename: filename,
		Size:     v.Get("size").Int(),
		Category: int(v.Get("category").Int()),
		MimeType: v.Get("mime_type").String(),
		Thumb:    thumb,
		Dlink:    v.Get("dlink").String(),
	}
}

func fallbackField(html, field string) string {
	for _, p := range fieldFallbackPatterns[field] {
		if m := p.FindStringSubmatch(html); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

// fileListFromAPI parses the response of /share/list into FileEntry values.
func fileListFromAPI(data map[string]interface{}) []FileEntry {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var entries []FileEntry
	gjson.GetBytes(raw, "list").ForEach(func(_, v gjson.Result) bool {
		entries = append(entries, fileEntryFromResult(v))
		return true
	})
	return entries
}

// shareContextFromAPI builds a ShareContext from the JSON-decoded response
// of /api/shorturlinfo.
func shareContextFromAPI(surl string, data map[string]interface{}) *ShareContext {
	raw, err := json.Marshal(data)
	if err != nil {
		return &ShareContext{Surl: surl}
	}
	text := string(raw)
	sc := &ShareContext{
		Surl:      surl,
		ShareID:   gjsonField(text, "shareid"),
		UK:        gjsonField(text, "uk"),
		Sign:      gjsonField(text, "sign"),
		Timestamp: gjsonField(text, "timestamp"),
		Title:     gjsonField(text, "title"),
	}
	flattenInto(sc, text)
	return sc
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
