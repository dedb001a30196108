// Package fudger implements deterministic coarse-location derivation:
// createCoarse(fine) -> coarse, plus a resetOffsets rotation. A coarse
// fix is the fine fix snapped to a grid cell (one grid shared by all
// users) plus a per-user,
// per-epoch pseudo-random offset within that cell —
// the same fine fix always derives to the same coarse point until the
// offset is rotated, which prevents repeated polling from back-deriving
// fine movement.
//
// Structurally this mirrors internal/geoip.Service: an RWMutex-guarded
// piece of hot-reloadable state plus a robfig/cron scheduler that rotates
// it on a fixed cadence, with Stop() draining in-flight cron jobs before
// tearing down.
package fudger

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/xxh3"

	"github.com/Resinat/Resin/internal/geopoint"
)

// GridSizeDegrees is the coarse grid cell size. Real platform
// implementations use a ~1/3 degree (~37km at the equator) grid with a
// resolution that keeps the derived point within a few hundred meters of
// plausible GeoIP accuracy; this module uses the same order of magnitude.
const GridSizeDegrees = 1.0 / 3.0

// DefaultRotationSchedule rotates offsets weekly, mirroring the cadence
// class of geoip.Service's daily database refresh but slower, since offset
// rotation is a privacy measure rather than a freshness one.
const DefaultRotationSchedule = "0 4 * * 0"

// Fudger derives coarse locations from fine ones with per-user offsets
// that can be rotated (on a schedule, or explicitly via ResetOffsets,
// e.g. when a mock-location session ends).
type Fudger struct {
	mu      sync.RWMutex
	epoch   uint64
	offsets map[int]offset // userId -> offset, lazily populated

	cron        *cron.Cron
	cronEntryID cron.EntryID
}

type offset struct {
	dLat float64
	dLon float64
}

// New builds a Fudger and starts its rotation schedule. Pass an empty
// schedule to disable automatic rotation (tests typically do this and
// call ResetOffsets explicitly instead).
func New(rotationSchedule string) *Fudger {
	f := &Fudger{offsets: make(map[int]offset)}
	if rotationSchedule == "" {
		return f
	}
	c := cron.New()
	entryID, err := c.AddFunc(rotationSchedule, f.ResetOffsets)
	if err != nil {
		log.Printf("[fudger] invalid rotation schedule %q: %v", rotationSchedule, err)
		return f
	}
	f.cron = c
	f.cronEntryID = entryID
	c.Start()
	return f
}

// Stop drains any in-flight rotation and stops the scheduler. Safe to call
// on a Fudger built with an empty schedule (no-op).
func (f *Fudger) Stop() {
	if f.cron != nil {
		<-f.cron.Stop().Done()
	}
}

// ResetOffsets rotates every user's per-epoch offset, e.g. when a mock
// location session ends or on the cron schedule.
func (f *Fudger) ResetOffsets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
	f.offsets = make(map[int]offset)
}

// CreateCoarse derives a coarse Location from a fine one for the given
// user. The offset is deterministic within the current epoch (same user +
// same grid cell + same epoch always yields the same coarse point) and
// changes only when ResetOffsets rotates the epoch.
func (f *Fudger) CreateCoarse(userID int, fine *geopoint.Location) *geopoint.Location {
	if fine == nil {
		return nil
	}
	off := f.offsetFor(userID)

	snappedLat := snapToGrid(fine.Latitude) + off.dLat
	snappedLon := snapToGrid(fine.Longitude) + off.dLon

	return &geopoint.Location{
		Latitude:             clampLat(snappedLat),
		Longitude:            wrapLon(snappedLon),
		Accuracy:             coarseAccuracyFor(fine.Accuracy),
		ElapsedRealtimeNanos: fine.ElapsedRealtimeNanos,
		IsFromMockProvider:   fine.IsFromMockProvider,
		IsComplete:           fine.IsComplete,
	}
}

func (f *Fudger) offsetFor(userID int) offset {
	f.mu.RLock()
	if o, ok := f.offsets[userID]; ok {
		defer f.mu.RUnlock()
		return o
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.offsets[userID]; ok {
		return o
	}
	o := deriveOffset(userID, f.epoch)
	f.offsets[userID] = o
	return o
}

// deriveOffset computes a stable pseudo-random offset within one grid cell
// from a hash of (userID, epoch), so offsets are reproducible within an
// epoch without needing to persist them.
func deriveOffset(userID int, epoch uint64) offset {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(int64(userID)))
	binary.LittleEndian.PutUint64(buf[8:], epoch)
	h := xxh3.Hash128(buf[:])

	fracLat := float64(uint32(h.Lo)) / float64(1<<32)
	fracLon := float64(uint32(h.Hi)) / float64(1<<32)
	return offset{
		dLat: fracLat * GridSizeDegrees,
		dLon: fracLon * GridSizeDegrees,
	}
}

func snapToGrid(v float64) float64 {
	return float64(int64(v/GridSizeDegrees)) * GridSizeDegrees
}

func clampLat(v float64) float64 {
	if v > 90 {
		return 90
	}
	if v < -90 {
		return -90
	}
	return v
}

func wrapLon(v float64) float64 {
	for v > 180 {
		v -= 360
	}
	for v < -180 {
		v += 360
	}
	return v
}

// coarseAccuracyFor reports an accuracy figure no better than a fixed
// 2000 m floor, regardless of the fine fix's own accuracy — a coarse
// registration must never leak fine-grained precision through the
// accuracy field. The floor is a constant, not derived from the grid
// cell size.
func coarseAccuracyFor(fineAccuracy float32) float32 {
	const coarseFloorMeters float32 = 2000
	if fineAccuracy > coarseFloorMeters {
		return fineAccuracy
	}
	return coarseFloorMeters
}
