package citation

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func collectParsedStream(t *testing.T, chunks []string) (string, []int) {
	t.Helper()
	var content strings.Builder
	var citations []int
	onContent := func(s string) error {
		content.WriteString(s)
		return nil
	}
	onCitation := func(id int) error {
		citations = append(citations, id)
		return nil
	}
	p := &StreamParser{}
	for _, c := range chunks {
		if err := p.Consume(c, onContent, onCitation); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if err := p.Flush(onContent, onCitation); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return content.String(), citations
}

func TestStreamParser(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		content   string
		citations []int
	}{
		{"across chunks", []string{"Hello [1", "2] world"}, "Hello  world", []int{12}},
		{"single bracket carry", []string{"x [", "[3]] y"}, "x  y", []int{3}},
		{"group", []string{"Acme [1, 2]."}, "Acme .", []int{1, 2}},
		{"link passes through", []string{"see [1]", "(http://x)"}, "see [1](http://x)", nil},
		{"text brackets", []string{"a [note] b"}, "a [note] b", nil},
		{"marker at end", []string{"done [4]"}, "done ", []int{4}},
		{"unfinished", []string{"prefix [12"}, "prefix [12", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			content, citations := collectParsedStream(t, tc.chunks)
			if content != tc.content {
				t.Fatalf("expected content %q, got %q", tc.content, content)
			}
			if !reflect.DeepEqual(citations, tc.citations) {
				t.Fatalf("expected citations %v, got %v", tc.citations, citations)
			}
		})
	}
}

func TestStreamParser_PropagatesCallbackError(t *testing.T) {
	boom := errors.New("closed")
	p := &StreamParser{}
	err := p.Consume("a [1] b", func(string) error { return nil }, func(int) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}
