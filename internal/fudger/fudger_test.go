package fudger

import (
	"testing"

	"github.com/Resinat/Resin/internal/geopoint"
)

func TestCreateCoarse_StableWithinEpoch(t *testing.T) {
	f := New("")
	fine := &geopoint.Location{Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5}
	a := f.CreateCoarse(42, fine)
	b := f.CreateCoarse(42, fine)
	if *a != *b {
		t.Fatalf("expected stable coarse derivation within an epoch, got %+v vs %+v", a, b)
	}
}

func TestCreateCoarse_ChangesAfterResetOffsets(t *testing.T) {
	f := New("")
	fine := &geopoint.Location{Latitude: 37.7749, Longitude: -122.4194, Accuracy: 5}
	a := f.CreateCoarse(42, fine)
	f.ResetOffsets()
	b := f.CreateCoarse(42, fine)
	if a.Latitude == b.Latitude && a.Longitude == b.Longitude {
		t.Fatalf("expected offset rotation to change coarse derivation")
	}
}

func TestCreateCoarse_DifferentUsersDiffer(t *testing.T) {
	f := New("")
	fine := &geopoint.Location{Latitude: 10, Longitude: 10}
	a := f.CreateCoarse(1, fine)
	b := f.CreateCoarse(2, fine)
	if a.Latitude == b.Latitude && a.Longitude == b.Longitude {
		t.Fatalf("expected different users to get different coarse offsets")
	}
}

func TestCreateCoarse_AccuracyNeverBetterThanFloor(t *testing.T) {
	f := New("")
	fine := &geopoint.Location{Latitude: 1, Longitude: 1, Accuracy: 1}
	got := f.CreateCoarse(1, fine)
	if got.Accuracy < 2000 {
		t.Fatalf("expected coarse accuracy floor enforced, got %f", got.Accuracy)
	}
}

func TestCreateCoarse_NilFine(t *testing.T) {
	f := New("")
	if f.CreateCoarse(1, nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}
