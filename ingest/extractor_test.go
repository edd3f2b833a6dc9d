package ingest

import (
	"strings"
	"testing"
)

func TestStripHTMLBasic(t *testing.T) {
	out := StripHTML("<p>Hello <b>world</b></p>")
	if !strings.Contains(out, "Hello world") {
		t.Errorf("got %q", out)
	}
}

func TestStripHTMLEntities(t *testing.T) {
	out := StripHTML("Tom &amp; Jerry &lt;3")
	if out != "Tom & Jerry <3" {
		t.Errorf("got %q", out)
	}
}

func TestStripHTMLScript(t *testing.T) {
	out := StripHTML("<p>Hello</p><script>alert('xss')</script><p>World</p>")
	if strings.Contains(out, "alert") {
		t.Errorf("script content leaked: %q", out)
	}
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "World") {
		t.Errorf("got %q", out)
	}
}
