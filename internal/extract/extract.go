// Package extract は記事ページのHTMLからダウンロードリンクを抽出する。
package extract

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

// PreferredHosts はダウンロードリンク選択の優先順位。先頭ほど優先される。
// ファイルホスティングの許可リストも兼ねる。
var PreferredHosts = []string{
	"novafile.org",
	"nfile.cc",
	"rapidgator.net",
	"rg.to",
	"ddownload.com",
	"katfile.com",
	"nitroflare.com",
	"turbobit.net",
	"uploadgig.com",
	"1fichier.com",
}

// redirectSegments はbase64で遷移先を埋め込むリダイレクトラッパーのパス要素。
var redirectSegments = map[string]struct{}{
	"go.php":       {},
	"out":          {},
	"out.php":      {},
	"redirect":     {},
	"redirect.php": {},
	"leech":        {},
	"leech.php":    {},
}

// redirectParams は遷移先を保持するクエリパラメータ名。
var redirectParams = []string{"url", "link"}

// Links はページ内のアンカーからダウンロードリンク候補を抽出する。
// リダイレクトラッパーから復号したURLを先に、許可リストのホストを含むhrefを後に並べ、
// 最初に現れた順序を保って重複を除く。個々の不正なURLは無視する。
func Links(pageURL, html string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("ページURLの解析に失敗: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("HTMLの解析に失敗: %w", err)
	}

	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			if href = strings.TrimSpace(href); href != "" {
				hrefs = append(hrefs, href)
			}
		}
	})

	var links []string
	for _, href := range hrefs {
		if target, ok := decodeRedirect(base, href); ok {
			links = append(links, target)
		}
	}
	for _, href := range hrefs {
		if !containsKnownHost(href) {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			continue
		}
		links = append(links, resolved.String())
	}

	return lo.Uniq(links), nil
}

// decodeRedirect はリダイレクトラッパーのhrefからbase64で埋め込まれた遷移先を取り出す。
func decodeRedirect(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	if !isRedirectPath(u.Path) {
		return "", false
	}

	query := u.Query()
	for _, name := range redirectParams {
		encoded := query.Get(name)
		if encoded == "" {
			continue
		}
		// クエリ解析で '+' が空白に変換されるため元に戻す
		encoded = strings.ReplaceAll(encoded, " ", "+")
		decoded, ok := decodeBase64(encoded)
		if !ok {
			continue
		}
		decoded = strings.TrimSpace(decoded)
		if !hasHTTPScheme(decoded) {
			continue
		}
		if _, err := url.Parse(decoded); err != nil {
			continue
		}
		return decoded, true
	}
	return "", false
}

func isRedirectPath(p string) bool {
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if _, ok := redirectSegments[strings.ToLower(seg)]; ok {
			return true
		}
	}
	return false
}

// decodeBase64 は標準形式とURLセーフ形式の両方をパディングの有無にかかわらず復号する。
func decodeBase64(s string) (string, bool) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func containsKnownHost(href string) bool {
	lower := strings.ToLower(href)
	return lo.ContainsBy(PreferredHosts, func(host string) bool {
		return strings.Contains(lower, host)
	})
}

// Preferred はPreferredHostsの優先順位で最初に一致するリンクを返す。
// 一致しない場合は先頭のリンクを返す。linksが空の場合はfalseを返す。
func Preferred(links []string) (string, bool) {
	if len(links) == 0 {
		return "", false
	}
	for _, host := range PreferredHosts {
		for _, link := range links {
			if strings.Contains(strings.ToLower(Host(link)), host) {
				return link, true
			}
		}
	}
	return links[0], true
}

// Host はリンクのホスト名を小文字で返す。解析できない場合は空文字列を返す。
func Host(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
