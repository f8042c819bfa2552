package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowCapsPerIP(t *testing.T) {
	p := NewPerIP(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !p.Allow("10.0.0.1") {
			t.Fatalf("attempt %d rejected before the cap", i+1)
		}
	}
	if p.Allow("10.0.0.1") {
		t.Fatal("attempt over the cap was allowed")
	}
}

func TestAllowIsolatesSources(t *testing.T) {
	p := NewPerIP(1, time.Minute)

	if !p.Allow("10.0.0.1") {
		t.Fatal("first source rejected")
	}
	if !p.Allow("10.0.0.2") {
		t.Fatal("second source throttled by the first source's bucket")
	}
}

func TestAllowRefills(t *testing.T) {
	p := NewPerIP(2, 100*time.Millisecond)

	p.Allow("10.0.0.1")
	p.Allow("10.0.0.1")
	if p.Allow("10.0.0.1") {
		t.Fatal("bucket did not empty")
	}

	time.Sleep(120 * time.Millisecond)
	if !p.Allow("10.0.0.1") {
		t.Fatal("bucket did not refill after the window")
	}
}

func TestSourceIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.5:54321"
	if got := SourceIP(r); got != "192.168.1.5" {
		t.Errorf("SourceIP = %q, want 192.168.1.5", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := SourceIP(r); got != "203.0.113.9" {
		t.Errorf("SourceIP with XFF = %q, want 203.0.113.9", got)
	}
}
