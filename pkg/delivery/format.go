package delivery

import (
	"regexp"
	"strings"

	"dingclaw/pkg/config"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	gmtext "github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// markdownKinds are the node kinds that make a reply worth sending as markdown.
var markdownKinds = map[ast.NodeKind]bool{
	ast.KindHeading:         true,
	ast.KindEmphasis:        true,
	ast.KindList:            true,
	ast.KindBlockquote:      true,
	ast.KindFencedCodeBlock: true,
	ast.KindLink:            true,
	ast.KindImage:           true,
	extast.KindTable:        true,
}

func parse(src []byte) ast.Node {
	return markdown.Parser().Parse(gmtext.NewReader(src))
}

// ResolveFormat returns FormatText or FormatMarkdown for text under the
// configured format. Auto picks markdown when the text uses markdown syntax.
func ResolveFormat(configured, text string) string {
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case config.FormatMarkdown, config.FormatRichText:
		return config.FormatMarkdown
	case config.FormatAuto:
		if LooksLikeMarkdown(text) {
			return config.FormatMarkdown
		}
	}
	return config.FormatText
}

// LooksLikeMarkdown reports whether text parses to headings, emphasis,
// lists, quotes, code fences, links, images or tables.
func LooksLikeMarkdown(text string) bool {
	found := false
	_ = ast.Walk(parse([]byte(text)), func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && markdownKinds[n.Kind()] {
			found = true
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

// FlattenTables rewrites pipe tables as fenced blocks, since DingTalk
// markdown does not render tables. Tables inside code fences are code and
// stay as written.
func FlattenTables(text string) string {
	src := []byte(text)
	doc := parse(src)

	var out strings.Builder
	last := 0
	for child := doc.FirstChild(); child != nil; child = child.NextSibling() {
		table, ok := child.(*extast.Table)
		if !ok {
			continue
		}
		lo, hi, ok := span(table, src)
		if !ok || lo < last {
			continue
		}
		lo = strings.LastIndexByte(text[:lo], '\n') + 1
		if end := strings.IndexByte(text[hi-1:], '\n'); end >= 0 {
			hi = hi - 1 + end
		} else {
			hi = len(text)
		}

		out.WriteString(text[last:lo])
		out.WriteString("\n```\n")
		out.WriteString(strings.Join(tableRows(table, src), "\n"))
		out.WriteString("\n```")
		last = hi
	}
	if last == 0 {
		return text
	}
	out.WriteString(text[last:])
	return out.String()
}

// tableRows renders each header or body row as its non-empty cells joined
// by a spaced pipe.
func tableRows(table *extast.Table, src []byte) []string {
	var rows []string
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			lo, hi, ok := span(cell, src)
			if !ok {
				continue
			}
			if value := strings.TrimSpace(string(src[lo:hi])); value != "" {
				cells = append(cells, value)
			}
		}
		rows = append(rows, strings.Join(cells, "  |  "))
	}
	return rows
}

// span returns the source byte range covered by n's block lines and text
// segments.
func span(n ast.Node, src []byte) (lo, hi int, ok bool) {
	lo, hi = len(src), 0
	grow := func(seg gmtext.Segment) {
		if seg.Stop <= seg.Start {
			return
		}
		lo, hi = min(lo, seg.Start), max(hi, seg.Stop)
	}
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if node.Type() == ast.TypeBlock {
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				grow(lines.At(i))
			}
		}
		if t, isText := node.(*ast.Text); isText {
			grow(t.Segment)
		}
		return ast.WalkContinue, nil
	})
	return lo, hi, hi > lo
}

const imageURL = `https?://[^\s]+\.(?:png|jpg|jpeg|gif|webp)(?:\?[^\s]*)?`

var (
	numberedImage = regexp.MustCompile(`(?i)图(\d+):\s*(` + imageURL + `)`)
	bareImage     = regexp.MustCompile(`(?im)(^|\s)(` + imageURL + `)`)
)

// RewriteImageURLs turns bare image links into markdown images. URLs that
// already sit inside image syntax are preceded by "(" and are not matched.
func RewriteImageURLs(text string) string {
	text = numberedImage.ReplaceAllString(text, "![图$1]($2)")
	return bareImage.ReplaceAllString(text, "${1}![image](${2})")
}

// Chunk splits text into slices of at most limit runes. Concatenating the
// chunks yields text.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
