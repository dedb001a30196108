package request

import "testing"

func TestMerge_NoContributors(t *testing.T) {
	got := Merge(nil)
	if !got.IsDisabled() {
		t.Fatalf("expected disabled sentinel, got %+v", got)
	}
}

func TestMerge_ExcludesPassiveInterval(t *testing.T) {
	contributors := []Contributor{
		{EffectiveRequest: LocationRequest{IntervalMs: PassiveIntervalMs, Quality: QualityHighAccuracy, WorkSource: WorkSource{{UID: 1, Package: "passive"}}}},
	}
	got := Merge(contributors)
	if !got.IsDisabled() {
		t.Fatalf("passive-only contributors should yield disabled request, got %+v", got)
	}
}

func TestMerge_TakesMinIntervalAndQuality(t *testing.T) {
	contributors := []Contributor{
		{EffectiveRequest: LocationRequest{IntervalMs: 60_000, Quality: QualityHighAccuracy, LowPower: true, WorkSource: WorkSource{{UID: 1, Package: "a"}}}},
		{EffectiveRequest: LocationRequest{IntervalMs: 30_000, Quality: QualityBalanced, LowPower: false, WorkSource: WorkSource{{UID: 2, Package: "b"}}}},
	}
	got := Merge(contributors)
	if got.IntervalMs != 30_000 {
		t.Fatalf("expected min interval 30000, got %d", got.IntervalMs)
	}
	if got.Quality != QualityBalanced {
		t.Fatalf("expected min quality BALANCED, got %v", got.Quality)
	}
	if got.LowPower {
		t.Fatalf("expected lowPower AND to be false since one contributor is false")
	}
}

func TestMerge_SettingsIgnoredIsOR(t *testing.T) {
	contributors := []Contributor{
		{EffectiveRequest: LocationRequest{IntervalMs: 1000, LocationSettingsIgnored: false, WorkSource: WorkSource{{UID: 1, Package: "a"}}}},
		{EffectiveRequest: LocationRequest{IntervalMs: 1000, LocationSettingsIgnored: true, WorkSource: WorkSource{{UID: 2, Package: "b"}}}},
	}
	got := Merge(contributors)
	if !got.LocationSettingsIgnored {
		t.Fatalf("expected settingsIgnored OR to be true")
	}
}

func TestMerge_PowerBlameThresholdExcludesSlowContributors(t *testing.T) {
	// intervalMs = 1000 -> threshold = ((1000+1000)/2)*3 = 3000
	contributors := []Contributor{
		{EffectiveRequest: LocationRequest{IntervalMs: 1000, WorkSource: WorkSource{{UID: 1, Package: "fast"}}}},
		{EffectiveRequest: LocationRequest{IntervalMs: 3000, WorkSource: WorkSource{{UID: 2, Package: "at-threshold"}}}},
		{EffectiveRequest: LocationRequest{IntervalMs: 3001, WorkSource: WorkSource{{UID: 3, Package: "too-slow"}}}},
	}
	got := Merge(contributors)
	if got.IntervalMs != 1000 {
		t.Fatalf("expected merged interval 1000, got %d", got.IntervalMs)
	}
	want := WorkSource{{UID: 1, Package: "fast"}, {UID: 2, Package: "at-threshold"}}
	if !got.WorkSource.Equal(want) {
		t.Fatalf("expected worksource %v, got %v", want, got.WorkSource)
	}
}

func TestMerge_PowerBlameThresholdOverflowClampsBelowPassive(t *testing.T) {
	contributors := []Contributor{
		{EffectiveRequest: LocationRequest{IntervalMs: PassiveIntervalMs - 1, WorkSource: WorkSource{{UID: 1, Package: "a"}}}},
	}
	got := Merge(contributors)
	if got.IntervalMs != PassiveIntervalMs-1 {
		t.Fatalf("expected merged interval to pass through, got %d", got.IntervalMs)
	}
	if len(got.WorkSource) != 1 {
		t.Fatalf("expected contributor to be included despite near-overflow threshold, got %v", got.WorkSource)
	}
}

func TestUnionWorkSources_Dedup(t *testing.T) {
	a := WorkSource{{UID: 1, Package: "x"}}
	b := WorkSource{{UID: 1, Package: "x"}, {UID: 2, Package: "y"}}
	got := UnionWorkSources(a, b)
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated entries, got %d: %v", len(got), got)
	}
}

func TestProviderRequest_FingerprintStableForEqualValues(t *testing.T) {
	a := ProviderRequest{IntervalMs: 1000, Quality: QualityBalanced, WorkSource: WorkSource{{UID: 1, Package: "a"}, {UID: 2, Package: "b"}}}
	b := ProviderRequest{IntervalMs: 1000, Quality: QualityBalanced, WorkSource: WorkSource{{UID: 2, Package: "b"}, {UID: 1, Package: "a"}}}
	// a and b are Equal (order-independent) but Fingerprint requires
	// canonical WorkSource order, which Merge always produces; here we
	// canonicalize manually to exercise the same contract directly.
	a.WorkSource = UnionWorkSources(a.WorkSource)
	b.WorkSource = UnionWorkSources(b.WorkSource)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected equal fingerprints for canonicalized equal requests")
	}
}

func TestProviderRequest_FingerprintChangesWithInterval(t *testing.T) {
	a := ProviderRequest{IntervalMs: 1000}
	b := ProviderRequest{IntervalMs: 2000}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different fingerprints for different intervals")
	}
}
