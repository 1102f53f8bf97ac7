package doctext

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestExtract_Plain(t *testing.T) {
	text, err := Extract("notes.txt", []byte("hello world"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_Markdown(t *testing.T) {
	text, err := Extract("readme.md", []byte("# Title\n\nBody text."))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Body text.") {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_Empty(t *testing.T) {
	_, err := Extract("empty.txt", nil)
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtract_WhitespaceOnly(t *testing.T) {
	_, err := Extract("blank.txt", []byte("   \n\n  "))
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtract_BinaryGarbage(t *testing.T) {
	_, err := Extract("image.bin", []byte{0xff, 0xfe, 0x00, 0x80, 0x81})
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtract_HTML(t *testing.T) {
	doc := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><p>First paragraph.</p><p>Second paragraph.</p></body></html>`
	text, err := Extract("page.html", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "First paragraph.") || !strings.Contains(text, "Second paragraph.") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color:red") {
		t.Errorf("script/style leaked into text: %q", text)
	}
	if !strings.Contains(text, "\n\n") {
		t.Error("paragraph boundary missing from extracted text")
	}
}

func TestExtract_JSON(t *testing.T) {
	doc := `{"title": "Quarterly Report", "sections": ["Revenue grew", "Costs fell"]}`
	text, err := Extract("report.json", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{"Quarterly Report", "Revenue grew", "Costs fell"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q: %q", want, text)
		}
	}
}

func TestExtract_JSONDeterministic(t *testing.T) {
	doc := `{"zebra": "last", "alpha": "first", "mid": {"b": "two", "a": "one"}}`
	first, err := Extract("facts.json", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if first != "first\none\ntwo\nlast" {
		t.Errorf("text = %q, want values in sorted-key order", first)
	}
	for i := 0; i < 10; i++ {
		again, err := Extract("facts.json", []byte(doc))
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if again != first {
			t.Fatalf("extraction not deterministic: %q vs %q", again, first)
		}
	}
}

func TestExtract_InvalidJSON(t *testing.T) {
	_, err := Extract("broken.json", []byte(`{"unclosed": `))
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtract_CSV(t *testing.T) {
	doc := "name,city\nAlice,Denver\nBob,Austin\n"
	text, err := Extract("people.csv", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Alice Denver") || !strings.Contains(text, "Bob Austin") {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_XML(t *testing.T) {
	doc := `<doc><p>Alpha chapter</p><p>Beta chapter</p></doc>`
	text, err := Extract("book.xml", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Alpha chapter") || !strings.Contains(text, "Beta chapter") {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_RTF(t *testing.T) {
	doc := `{\rtf1\ansi{\fonttbl{\f0 Arial;}}\f0\fs24 Hello from RTF.\par Second line.}`
	text, err := Extract("memo.rtf", []byte(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Hello from RTF.") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "Second line.") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "fonttbl") || strings.Contains(text, "Arial") {
		t.Errorf("control content leaked: %q", text)
	}
}

func buildZip(t *testing.T, member, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(member)
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtract_DOCX(t *testing.T) {
	xml := `<?xml version="1.0"?><w:document xmlns:w="ns"><w:body>` +
		`<w:p><w:r><w:t>Paragraph one.</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Paragraph two.</w:t></w:r></w:p>` +
		`</w:body></w:document>`
	content := buildZip(t, "word/document.xml", xml)

	text, err := Extract("letter.docx", content)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Paragraph one.") || !strings.Contains(text, "Paragraph two.") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "\n\n") {
		t.Error("paragraph boundary missing")
	}
}

func TestExtract_ODT(t *testing.T) {
	xml := `<?xml version="1.0"?><office:document-content xmlns:office="ns" xmlns:text="ns2">` +
		`<office:body><office:text><text:p>Open document text.</text:p></office:text></office:body>` +
		`</office:document-content>`
	content := buildZip(t, "content.xml", xml)

	text, err := Extract("doc.odt", content)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(text, "Open document text.") {
		t.Errorf("text = %q", text)
	}
}

func TestExtract_DOCXMissingMember(t *testing.T) {
	content := buildZip(t, "unrelated.xml", "<x/>")
	_, err := Extract("letter.docx", content)
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}

func TestExtract_CorruptPDF(t *testing.T) {
	_, err := Extract("broken.pdf", []byte("not a pdf at all"))
	if !errors.Is(err, ErrNoText) {
		t.Errorf("err = %v, want ErrNoText", err)
	}
}
