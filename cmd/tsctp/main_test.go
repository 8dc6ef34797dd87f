package main

import (
	"testing"

	"github.com/dreibh/socketapi/notifyqueue"
)

func TestParseEventMaskDefaultsWithoutFlag(t *testing.T) {
	mask, err := parseEventMask("")
	if err != nil {
		t.Fatal(err)
	}
	want := notifyqueue.EventDataIO | notifyqueue.EventAssociation
	if mask != want {
		t.Fatalf("mask = %#x, want %#x", mask, want)
	}
}

func TestParseEventMaskParsesHex(t *testing.T) {
	mask, err := parseEventMask("ff")
	if err != nil {
		t.Fatal(err)
	}
	if mask != 0xff {
		t.Fatalf("mask = %#x, want 0xff", mask)
	}
}

func TestParseEventMaskRejectsGarbage(t *testing.T) {
	if _, err := parseEventMask("not-hex"); err == nil {
		t.Fatal("expected an error for a non-hex value")
	}
}
