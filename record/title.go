package record

import (
	"bytes"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxTitleLen caps sniffed titles.
const MaxTitleLen = 512

// SniffTitle returns the text of the first <title> element of an HTML
// payload, whitespace-collapsed. Non-HTML payloads yield "".
func SniffTitle(contentType string, payload []byte) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || (mt != "text/html" && mt != "application/xhtml+xml") {
		return ""
	}
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	title := strings.Join(strings.Fields(findTitle(doc)), " ")
	if len(title) > MaxTitleLen {
		title = strings.ToValidUTF8(title[:MaxTitleLen], "")
	}
	return title
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return n.FirstChild.Data
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}
