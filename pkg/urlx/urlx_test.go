package urlx

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://www.instagram.com/Austin.Coffee/", "instagram.com/austin.coffee"},
		{"http://instagram.com/austin.coffee", "instagram.com/austin.coffee"},
		{"https://www.tiktok.com/@someone?lang=en", "tiktok.com/@someone"},
		{"HTTPS://WWW.TIKTOK.COM/@Someone/", "tiktok.com/@someone"},
		{"https://www.example.com/page/", "www.example.com/page"},
		{"  https://instagram.com/a#section ", "instagram.com/a"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("https://www.instagram.com/a/", "http://instagram.com/A") {
		t.Error("expected URLs to be equal after normalization")
	}
	if Equal("https://instagram.com/a", "https://instagram.com/b") {
		t.Error("expected distinct profiles to differ")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey("https://www.instagram.com/a/")
	b := CacheKey("instagram.com/a")
	if a != b {
		t.Errorf("cache keys differ for equivalent URLs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("unexpected key length %d", len(a))
	}
}
