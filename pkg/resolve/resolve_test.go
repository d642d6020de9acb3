package resolve

import (
	"sync"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"upper", "NVIDIA", "nvidia"},
		{"lower", "nvidia", "nvidia"},
		{"padded", " Nvidia ", "nvidia"},
		{"inner whitespace", "Acme\t  Corp", "acme corp"},
		{"quotes", `"Acme Corp"`, "acme corp"},
		{"trailing punctuation", "Acme Corp.", "acme corp"},
		{"possessive", "Acme's", "acme"},
		{"curly possessive", "Acme’s revenue", "acme revenue"},
		{"ampersand kept", "AT&T", "at&t"},
		{"stop word only", "What", ""},
		{"stop words only", "what is the", ""},
		{"stop word with entity", "The Boeing Company", "the boeing company"},
		{"korean", "삼성전자", "삼성전자"},
		{"korean stop word", "관련", ""},
		{"punctuation only", "?!", ""},
		{"empty", "", ""},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Aliases(t *testing.T) {
	r := New(WithAliases(map[string]string{
		"Alphabet Inc.": "Alphabet",
		"":              "ignored",
	}))

	if got := r.Normalize("alphabet inc"); got != "alphabet" {
		t.Fatalf("expected alias to apply, got %q", got)
	}
	if got := r.Normalize("ALPHABET"); got != "alphabet" {
		t.Fatalf("expected alphabet, got %q", got)
	}
}

func TestNormalize_CustomStopWords(t *testing.T) {
	r := New(WithStopWords([]string{"corp"}))

	if got := r.Normalize("Corp"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := r.Normalize("what"); got != "what" {
		t.Fatalf("expected default stop words replaced, got %q", got)
	}
}

func TestNormalize_Concurrent(t *testing.T) {
	r := New(WithAliases(map[string]string{"big blue": "ibm"}))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Normalize("Big Blue"); got != "ibm" {
				t.Errorf("expected ibm, got %q", got)
			}
		}()
	}
	wg.Wait()
}
