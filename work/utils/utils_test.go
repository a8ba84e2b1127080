package utils

import "testing"

func TestSanitizeChannelName(t *testing.T) {
	cases := map[string]string{
		"Arsenal vs Spurs":         "Arsenal_vs_Spurs",
		"F1: Monaco GP / Race":     "F1_Monaco_GP_Race",
		"  weird  ":                "weird",
		"it's \"quoted\"":          "its_quoted",
		"a|b*c<d>e":                "a_b_c_d_e",
		"___already___underscored": "already_underscored",
	}
	for in, want := range cases {
		if got := SanitizeChannelName(in); got != want {
			t.Errorf("SanitizeChannelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestObfuscateURL(t *testing.T) {
	got := ObfuscateURL("https://cdn.example.com/secret/stream.m3u8?token=abc#frag")
	want := "https://cdn.example.com/***?***#***"
	if got != want {
		t.Fatalf("ObfuscateURL = %q, want %q", got, want)
	}
	if ObfuscateURL("") != "" {
		t.Fatalf("empty URL should stay empty")
	}
	if got := ObfuscateURL("://bad"); got != "***OBFUSCATED***" {
		t.Fatalf("unparseable URL = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:     "512 B",
		2048:    "2.0 KiB",
		5 << 20: "5.0 MiB",
		3 << 30: "3.0 GiB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
