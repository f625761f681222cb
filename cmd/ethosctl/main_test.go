package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDocIDFromUUID(t *testing.T) {
	got := docIDFromUUID("ab12cd34-0000-0000-0000-000000000000")
	want := "#ab12cd"
	if got != want {
		t.Fatalf("docIDFromUUID = %q, want %q", got, want)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate should not pad: got %q", got)
	}
	if got := truncate(strings.Repeat("x", 400), 300); len(got) != 300 {
		t.Fatalf("truncate to 300 got length %d", len(got))
	}
}

func TestFirstNonEmptyLine(t *testing.T) {
	got := firstNonEmptyLine("\n  \nEthos uses gemini-embedding-001\nmore text")
	if got != "Ethos uses gemini-embedding-001" {
		t.Fatalf("firstNonEmptyLine = %q", got)
	}
}

func TestPrintCLIWireFormatShape(t *testing.T) {
	data := map[string]any{
		"results": []any{
			map[string]any{
				"id":      "ab12cd34-5678-90ab-cdef-000000000000",
				"content": "Ethos uses gemini-embedding-001 with 768 dimensions",
				"score":   0.91,
			},
		},
	}

	hits, err := collectWireHits(data)
	if err != nil {
		t.Fatalf("collectWireHits: %v", err)
	}
	out, err := json.Marshal(hits)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded []cliWireHit
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(decoded))
	}
	h := decoded[0]
	if h.DocID != "#ab12cd" {
		t.Errorf("docid = %q", h.DocID)
	}
	if h.File != "ethos://memory/ab12cd34-5678-90ab-cdef-000000000000" {
		t.Errorf("file = %q", h.File)
	}
	if !strings.HasPrefix(h.Snippet, "@@ -1,4 @@\n\n") {
		t.Errorf("snippet missing literal prefix: %q", h.Snippet)
	}
	if h.Title != "Ethos uses gemini-embedding-001 with 768 dimensions" {
		t.Errorf("title = %q", h.Title)
	}
	if h.Score != 0.91 {
		t.Errorf("score = %v", h.Score)
	}
}
