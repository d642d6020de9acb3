package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		entities int
		rels     int
		wantErr  error
	}{
		{"plain", `{"entities":[{"name":"A","type":"PERSON"}],"relationships":[]}`, 1, 0, nil},
		{"fenced with tag", "```json\n{\"entities\":[{\"name\":\"A\",\"type\":\"PERSON\"}]}\n```", 1, 0, nil},
		{"fenced without tag", "```\n{\"relationships\":[{\"source\":\"A\",\"target\":\"B\",\"type\":\"OWNS\"}]}\n```", 0, 1, nil},
		{"prose around", `Sure! {"entities":[],"relationships":[]} Done.`, 0, 0, nil},
		{"trailing comma", `{"entities":[{"name":"A","type":"PERSON"},],}`, 1, 0, nil},
		{"empty", "   ", 0, 0, ErrEmptyResponse},
		{"no arrays", `{"foo":"bar"}`, 0, 0, ErrMalformedResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := ParseResponse(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if len(got.Entities) != tc.entities || len(got.Relationships) != tc.rels {
				t.Fatalf("expected %d/%d records, got %+v", tc.entities, tc.rels, got)
			}
		})
	}
}

func TestParseResponse_NumericNames(t *testing.T) {
	got, dropped, err := ParseResponse(`{"entities":[{"name":2024,"type":"EVENT"},[1,2]]}`)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped record, got %d", dropped)
	}
	if got.Entities[0].Name != "2024" {
		t.Fatalf("expected numeric name as string, got %q", got.Entities[0].Name)
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("Acme Corp reported revenue.", nil, nil)
	for _, want := range []string{"ORGANIZATION|PERSON", "COMPETES_WITH", "Acme Corp reported revenue.", `"source": "EntityA"`} {
		if !strings.Contains(p, want) {
			t.Fatalf("expected prompt to contain %q", want)
		}
	}

	custom := BuildPrompt("x", []string{"DRUG"}, []string{"TREATS"})
	if !strings.Contains(custom, "- DRUG\n") || strings.Contains(custom, "ORGANIZATION") {
		t.Fatalf("expected custom types only, got %q", custom)
	}
}
