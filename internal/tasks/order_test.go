package tasks

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestOverlayTextFromName(t *testing.T) {
	text, err := OverlayText("20250611_232336.jpg")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if text != "11/06/2025\n23:23" {
		t.Fatalf("unexpected overlay text %q", text)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("/photos/IMG_20250611_232336.jpeg")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2025, 6, 11, 23, 23, 36, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("expected %v, got %v", want, ts)
	}

	for _, name := range []string{"holiday.jpg", "20250611.jpg", "20251311_232336.jpg", "20250611_232336_edit.jpg"} {
		_, err := ParseTimestamp(name)
		var tsErr *TimestampError
		if !errors.As(err, &tsErr) {
			t.Fatalf("%s: expected TimestampError, got %v", name, err)
		}
	}
}

func TestTimestampOrder(t *testing.T) {
	paths := []string{
		"/in/zzz_20250613_211243.jpg",
		"/in/notes.jpg",
		"/in/aaa_20250615_011058.jpg",
		"/in/20250611_232336.jpg",
	}
	SortPaths(paths, TimestampOrder{})
	want := []string{
		"/in/20250611_232336.jpg",
		"/in/zzz_20250613_211243.jpg",
		"/in/aaa_20250615_011058.jpg",
		"/in/notes.jpg",
	}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}

	SortPaths(paths, LexicographicOrder{})
	if paths[0] != "/in/20250611_232336.jpg" || paths[1] != "/in/aaa_20250615_011058.jpg" {
		t.Fatalf("unexpected lexicographic order %v", paths)
	}
}

func TestOrderingByName(t *testing.T) {
	if o, err := OrderingByName(""); err != nil || o.Name() != "lexicographic" {
		t.Fatalf("expected lexicographic default, got %v %v", o, err)
	}
	if o, err := OrderingByName("timestamp"); err != nil || o.Name() != "timestamp" {
		t.Fatalf("expected timestamp ordering, got %v %v", o, err)
	}
	if _, err := OrderingByName("random"); err == nil {
		t.Fatalf("expected error for unknown ordering")
	}
}
