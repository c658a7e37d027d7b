package enums

import "testing"

func TestParseActionKind(t *testing.T) {
	for _, raw := range []string{"add", "update", "remove", "clear"} {
		kind, err := ParseActionKind(raw)
		if err != nil {
			t.Fatalf("ParseActionKind(%q): %v", raw, err)
		}
		if !kind.IsValid() || kind.String() != raw {
			t.Fatalf("unexpected kind %q", kind)
		}
	}
	if _, err := ParseActionKind("merge"); err == nil {
		t.Fatal("expected unknown action kind to fail")
	}
	if ActionKind("bogus").IsValid() {
		t.Fatal("bogus kind should be invalid")
	}
}

func TestParseNotificationKind(t *testing.T) {
	if kind, err := ParseNotificationKind("error"); err != nil || kind != NotificationKindError {
		t.Fatalf("unexpected parse result %q, %v", kind, err)
	}
	if _, err := ParseNotificationKind("info"); err == nil {
		t.Fatal("expected unknown notification kind to fail")
	}
}
