package httpapi

import (
	"net/http"
	"strings"
	"testing"
)

func TestValidUsername(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"ab", false},              // too short
		{"abc", true},              // minimum length
		{strings.Repeat("a", 20), true},
		{strings.Repeat("a", 21), false}, // too long
		{"alice_01", true},
		{"-leading-dash", false},
		{"trailing-dash-", false},
		{"has space", false},
		{"valid-Name_99", true},
	}
	for _, c := range cases {
		if got := validUsername(c.name); got != c.want {
			t.Errorf("validUsername(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestValidPassword(t *testing.T) {
	cases := []struct {
		password string
		want     bool
	}{
		{strings.Repeat("a", 11), false}, // below minimum
		{strings.Repeat("a", 12), true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false}, // above maximum
		{"a-long-enough-password<script>", false},
		{"a-long-enough-password-clean", true},
	}
	for _, c := range cases {
		if got := validPassword(c.password); got != c.want {
			t.Errorf("validPassword(%q) = %v, want %v", c.password, got, c.want)
		}
	}
}

func TestContainsInjectionSignature(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"perfectly normal text", false},
		{"<script>alert(1)</script>", true},
		{"../../../etc/passwd", true},
		{"1; DROP TABLE users;", true},
		{"' UNION SELECT * FROM users--", true},
		{"hello-world", false},
	}
	for _, c := range cases {
		if got := containsInjectionSignature(c.input); got != c.want {
			t.Errorf("containsInjectionSignature(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	r1 := &http.Request{Header: http.Header{"X-Forwarded-For": []string{"203.0.113.5, 10.0.0.1"}}}
	if ip := clientIP(r1); ip != "203.0.113.5" {
		t.Errorf("expected the first X-Forwarded-For entry, got %q", ip)
	}

	r2 := &http.Request{Header: http.Header{}, RemoteAddr: "192.168.1.10:54321"}
	if ip := clientIP(r2); ip != "192.168.1.10" {
		t.Errorf("expected RemoteAddr with the port stripped, got %q", ip)
	}
}
