package kiwibnc

import "testing"

func TestParsePassTriple(t *testing.T) {
	cases := []struct {
		arg                          string
		username, network, password string
		ok                           bool
	}{
		{"alice", "alice", "", "", true},
		{"alice:secret", "alice", "", "secret", true},
		{"alice/home", "alice", "home", "", true},
		{"alice/home:secret", "alice", "home", "secret", true},
		{"alice/home:pass:with:colons", "alice", "home", "pass:with:colons", true},
		{"", "", "", "", false},
	}

	for _, c := range cases {
		username, network, password, ok := parsePassTriple(c.arg)
		if ok != c.ok {
			t.Fatalf("parsePassTriple(%q): ok = %v, want %v", c.arg, ok, c.ok)
		}
		if !ok {
			continue
		}
		if username != c.username || network != c.network || password != c.password {
			t.Fatalf("parsePassTriple(%q) = (%q, %q, %q), want (%q, %q, %q)",
				c.arg, username, network, password, c.username, c.network, c.password)
		}
	}
}

func TestIsChannelName(t *testing.T) {
	if !isChannelName(nil, "#general") {
		t.Fatalf("expected #general to be a channel with no isupport context")
	}
	if !isChannelName(nil, "&local") {
		t.Fatalf("expected &local to be a channel with no isupport context")
	}
	if !isChannelName(nil, "") {
		t.Fatalf("expected an empty name to default to true")
	}

	custom := []string{"CHANTYPES=#"}
	if !isChannelName(custom, "#general") {
		t.Fatalf("expected #general to remain a channel under CHANTYPES=#")
	}
	if isChannelName(custom, "&local") {
		t.Fatalf("expected &local to no longer be a channel once CHANTYPES=# is seen")
	}
}

func TestIsupportValue(t *testing.T) {
	if v, ok := isupportValue("CHANTYPES=#&", "CHANTYPES"); !ok || v != "#&" {
		t.Fatalf("isupportValue(CHANTYPES=#&, CHANTYPES) = (%q, %v), want (#&, true)", v, ok)
	}
	if _, ok := isupportValue("NETWORK=Kiwi", "CHANTYPES"); ok {
		t.Fatalf("expected a non-matching key to report ok=false")
	}
	if v, ok := isupportValue("AWAYLEN", "AWAYLEN"); !ok || v != "" {
		t.Fatalf("isupportValue(AWAYLEN, AWAYLEN) = (%q, %v), want (\"\", true)", v, ok)
	}
}
