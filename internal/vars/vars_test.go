package vars

import (
	"bytes"
	"strings"
	"testing"
)

func TestFprint(t *testing.T) {
	prev := Commit
	t.Cleanup(func() { Commit = prev })
	Commit = "da15c174cd2ada1ad247906536c101e8f6799def"

	var buf bytes.Buffer
	Fprint(&buf)
	out := buf.String()

	if !strings.Contains(out, "commit:   da15c17\n") {
		t.Errorf("Expected short commit, got %q", out)
	}
	if !strings.HasPrefix(out, "name:     gsq\n") {
		t.Errorf("Expected name line first, got %q", out)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, "gsq/") {
		t.Errorf("Expected gsq/ prefix, got %q", ua)
	}
}
