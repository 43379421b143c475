package main

import (
	"strings"
	"testing"

	"github.com/jpalmerr/tubelytics"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  tubelytics.Kind
	}{
		{"item", tubelytics.ItemDetail},
		{"tag", tubelytics.TagSearch},
		{"Channel", tubelytics.ChannelProfile},
		{"wordstats", tubelytics.WordStats},
		{"search", tubelytics.Search},
	}

	for _, tt := range tests {
		got, err := parseKind(tt.input)
		if err != nil {
			t.Errorf("parseKind(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseKind(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRunQuery_UnknownKind(t *testing.T) {
	configPath := writeConfig(t, "upstream:\n  api_key: key\n")

	_, err := executeCmd(t, "query", "-c", configPath, "playlist", "x")
	if err == nil {
		t.Fatal("query command expected error for unknown kind, got nil")
	}
	if !strings.Contains(err.Error(), `unknown kind "playlist"`) {
		t.Errorf("error = %q, want unknown kind", err.Error())
	}
}

func TestRunQuery_WrongArgCount(t *testing.T) {
	configPath := writeConfig(t, "upstream:\n  api_key: key\n")

	if _, err := executeCmd(t, "query", "-c", configPath, "item"); err == nil {
		t.Fatal("query command expected error for missing param, got nil")
	}
}
