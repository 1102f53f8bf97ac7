// Package doctext extracts plain text from uploaded document formats.
package doctext

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrNoText is returned when no text could be extracted from the given
// format. Upload callers surface this to the end user.
var ErrNoText = errors.New("no extractable text")

// Extract returns the plain text of content, dispatching on the filename
// extension. Unknown extensions get a best-effort plain-text decode.
func Extract(filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("%w: empty file", ErrNoText)
	}

	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, err = fromPDF(content)
	case ".docx":
		text, err = fromZipXML(content, "word/document.xml")
	case ".odt":
		text, err = fromZipXML(content, "content.xml")
	case ".html", ".htm":
		text, err = fromHTML(content)
	case ".rtf":
		text, err = fromRTF(content)
	case ".json":
		text, err = fromJSON(content)
	case ".csv":
		text, err = fromCSV(content)
	case ".xml":
		text, err = fromXML(content)
	case ".txt", ".md", ".markdown", ".log":
		text, err = fromPlain(content)
	default:
		text, err = fromPlain(content)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoText, filename)
	}
	return text, nil
}

func fromPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: parsing pdf: %v", ErrNoText, err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: reading pdf text: %v", ErrNoText, err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", fmt.Errorf("%w: reading pdf text: %v", ErrNoText, err)
	}
	return sb.String(), nil
}

// fromZipXML handles DOCX and ODT: both are zip archives whose body text
// lives in a single XML member.
func fromZipXML(content []byte, member string) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: opening archive: %v", ErrNoText, err)
	}

	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("%w: opening %s: %v", ErrNoText, member, err)
		}
		defer rc.Close()

		data, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", ErrNoText, member, err)
		}
		return xmlCharData(data)
	}
	return "", fmt.Errorf("%w: archive has no %s", ErrNoText, member)
}

// xmlCharData concatenates all character data in an XML document, inserting
// newlines at paragraph elements so chunking can find boundaries.
func xmlCharData(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: parsing xml: %v", ErrNoText, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			// Word and ODT paragraph elements are both local name "p".
			if t.Name.Local == "p" {
				sb.WriteString("\n\n")
			}
		}
	}
	return sb.String(), nil
}

func fromHTML(content []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: parsing html: %v", ErrNoText, err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElement(n.Data) {
			sb.WriteString("\n\n")
		}
	}
	walk(doc)
	return sb.String(), nil
}

func blockElement(name string) bool {
	switch name {
	case "p", "div", "li", "br", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
		return true
	}
	return false
}

// rtfDestinations are group destinations whose content is metadata, not
// body text.
var rtfDestinations = map[string]bool{
	"fonttbl":    true,
	"colortbl":   true,
	"stylesheet": true,
	"info":       true,
	"pict":       true,
	"header":     true,
	"footer":     true,
}

// fromRTF strips RTF control words and groups, keeping only visible text.
func fromRTF(content []byte) (string, error) {
	var sb strings.Builder
	s := content
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i >= len(s) {
				break
			}
			// Escaped literal.
			if s[i] == '\\' || s[i] == '{' || s[i] == '}' {
				sb.WriteByte(s[i])
				continue
			}
			// \* introduces an ignorable destination group.
			if s[i] == '*' {
				i = skipRTFGroup(s, i+1) - 1
				continue
			}
			// Control word: consume letters and an optional numeric parameter.
			j := i
			for j < len(s) && isLetter(s[j]) {
				j++
			}
			word := string(s[i:j])
			for j < len(s) && (s[j] == '-' || s[j] >= '0' && s[j] <= '9') {
				j++
			}
			if j < len(s) && s[j] == ' ' {
				j++
			}
			if word == "par" || word == "line" {
				sb.WriteString("\n")
			}
			if rtfDestinations[word] {
				j = skipRTFGroup(s, j)
			}
			i = j - 1
		case '{', '}', '\r', '\n':
			// Group delimiters and raw newlines carry no text.
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String(), nil
}

// skipRTFGroup advances past the current destination group, returning the
// index just after its closing brace. The opening brace was consumed before
// the destination control word, so scanning starts at depth 1.
func skipRTFGroup(s []byte, i int) int {
	depth := 1
	for ; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++ // skip escaped byte
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// fromJSON validates the document and flattens all string values so the
// searchable text is the content, not the punctuation.
func fromJSON(content []byte) (string, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return "", fmt.Errorf("%w: parsing json: %v", ErrNoText, err)
	}
	var sb strings.Builder
	flattenJSON(v, &sb)
	return sb.String(), nil
}

func flattenJSON(v any, sb *strings.Builder) {
	switch t := v.(type) {
	case string:
		sb.WriteString(t)
		sb.WriteString("\n")
	case map[string]any:
		// Walk keys in sorted order; map iteration order would make the
		// extracted text, and with it chunk boundaries, nondeterministic.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(t[k], sb)
		}
	case []any:
		for _, val := range t {
			flattenJSON(val, sb)
		}
	case float64:
		fmt.Fprintf(sb, "%v\n", t)
	case bool:
		fmt.Fprintf(sb, "%v\n", t)
	}
}

func fromCSV(content []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	var sb strings.Builder
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: parsing csv: %v", ErrNoText, err)
		}
		sb.WriteString(strings.Join(record, " "))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func fromXML(content []byte) (string, error) {
	return xmlCharData(content)
}

// fromPlain accepts content as-is when it is valid UTF-8 text.
func fromPlain(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: content is not valid UTF-8 text", ErrNoText)
	}
	return string(content), nil
}
