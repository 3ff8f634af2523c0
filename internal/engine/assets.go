package engine

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// cssURLPattern matches url(...) references inside style blocks and
// @font-face declarations.
var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// ExtractLinks returns the absolute form of every <a href> in the document,
// filtered to the given extensions when non-empty.
func ExtractLinks(html []byte, baseURL string, extensions []string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	seen := map[string]struct{}{}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if len(extensions) > 0 && !matchesExtension(abs, extensions) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links, nil
}

// ExtractAssets finds asset references (<link>, <script>, <img>,
// <video>/<source>, and CSS url(...) inside <style>), resolved against
// baseURL and grouped by asset type. Types not requested are dropped; an
// empty assetTypes keeps everything.
func ExtractAssets(html []byte, baseURL string, assetTypes []jobs.AssetType) (map[jobs.AssetType][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	wanted := map[jobs.AssetType]bool{}
	for _, at := range assetTypes {
		wanted[at] = true
	}
	keep := func(at jobs.AssetType) bool {
		return len(wanted) == 0 || wanted[at]
	}

	out := map[jobs.AssetType][]string{}
	seen := map[string]struct{}{}
	add := func(at jobs.AssetType, raw string) {
		abs := resolve(base, raw)
		if abs == "" || !keep(at) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out[at] = append(out[at], abs)
	}

	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		rel, _ := sel.Attr("rel")
		if strings.EqualFold(rel, "stylesheet") {
			add(jobs.AssetCSS, href)
			return
		}
		if at, ok := jobs.ClassifyExtension(href); ok {
			add(at, href)
		}
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(jobs.AssetJS, src)
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(jobs.AssetImages, src)
	})
	doc.Find("video[src], video source[src], audio source[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(jobs.AssetVideos, src)
	})
	doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
		for _, match := range cssURLPattern.FindAllStringSubmatch(sel.Text(), -1) {
			ref := match[1]
			if at, ok := jobs.ClassifyExtension(ref); ok {
				add(at, ref)
			} else {
				// Bare url() inside @font-face blocks without an extension
				// defaults to fonts.
				add(jobs.AssetFonts, ref)
			}
		}
	})
	return out, nil
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") ||
		strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "mailto:") ||
		strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func matchesExtension(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}
