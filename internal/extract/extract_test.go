package extract

import (
	"strings"
	"testing"
)

func TestFromHTML_PrefersMainAndMarkdown(t *testing.T) {
	input := []byte(`<html><head><title>Doc Title</title>
<meta name="description" content="A short description"></head>
<body>
<nav>Menu Home About</nav>
<main>
<h1>Heading</h1>
<p>First paragraph.</p>
<ul><li>one</li><li>two</li></ul>
<pre>code block</pre>
</main>
<footer>copyright</footer>
</body></html>`)

	doc := FromHTML(input)
	if doc.Title != "Doc Title" {
		t.Fatalf("title = %q", doc.Title)
	}
	if doc.Description != "A short description" {
		t.Fatalf("description = %q", doc.Description)
	}
	if strings.Contains(doc.Markdown, "Menu Home") || strings.Contains(doc.Markdown, "copyright") {
		t.Fatalf("boilerplate leaked into markdown: %q", doc.Markdown)
	}
	for _, want := range []string{"# Heading", "First paragraph.", "- one", "- two", "```"} {
		if !strings.Contains(doc.Markdown, want) {
			t.Fatalf("markdown missing %q:\n%s", want, doc.Markdown)
		}
	}
}

func TestFromHTML_SkipsConsentBanner(t *testing.T) {
	input := []byte(`<html><body><div class="cookie-consent">We use cookies</div><p>Real text</p></body></html>`)
	doc := FromHTML(input)
	if strings.Contains(doc.Markdown, "cookies") {
		t.Fatalf("consent banner not skipped: %q", doc.Markdown)
	}
	if !strings.Contains(doc.Markdown, "Real text") {
		t.Fatalf("content missing: %q", doc.Markdown)
	}
}

func TestFromHTML_EmptyInput(t *testing.T) {
	doc := FromHTML(nil)
	if doc.Markdown != "" || doc.Title != "" {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}
