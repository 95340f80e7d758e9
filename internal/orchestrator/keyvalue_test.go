package orchestrator

import "testing"

func TestParseKeyValue(t *testing.T) {
	text := "# comment\ndefault 6.1.0-amd64\ntimeout 3\n\nlinux /vmlinuz-6.1.0-amd64\n"
	got := parseKeyValue(text)
	if got["default"] != "6.1.0-amd64" {
		t.Fatalf("default = %q", got["default"])
	}
	if got["linux"] != "/vmlinuz-6.1.0-amd64" {
		t.Fatalf("linux = %q", got["linux"])
	}
	if _, ok := got["# comment"]; ok {
		t.Fatal("comment line should not be parsed as a key")
	}
}

func TestParseKeyValueEntryWithOptions(t *testing.T) {
	text := "title Debian\nlinux /vmlinuz\ninitrd /initrd.img\noptions root=/dev/sda1 ro quiet\n"
	got := parseKeyValue(text)
	if got["options"] != "root=/dev/sda1 ro quiet" {
		t.Fatalf("options = %q", got["options"])
	}
	if got["initrd"] != "/initrd.img" {
		t.Fatalf("initrd = %q", got["initrd"])
	}
}

func TestBuildCmdline(t *testing.T) {
	cases := []struct {
		firmware, options, want string
	}{
		{"", "", ""},
		{"console=ttyS0", "", "console=ttyS0"},
		{"", "root=/dev/sda1", "root=/dev/sda1"},
		{"console=ttyS0", "root=/dev/sda1 ro", "console=ttyS0 root=/dev/sda1 ro"},
	}
	for _, c := range cases {
		got := buildCmdline(c.firmware, c.options)
		if got != c.want {
			t.Fatalf("buildCmdline(%q, %q) = %q, want %q", c.firmware, c.options, got, c.want)
		}
	}
}
