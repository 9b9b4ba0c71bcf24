package models

import (
	"testing"
)

func anomaly(start, end int64, dims map[string]string) *Anomaly {
	return &Anomaly{StartTime: start, EndTime: end, Dimensions: dims}
}

func TestAnomalySliceMatchNil(t *testing.T) {
	if NewAnomalySlice().Match(nil) {
		t.Fatalf("nil anomaly must not match")
	}
}

func TestAnomalySliceMatchHalfOpenOverlap(t *testing.T) {
	s := NewAnomalySlice().WithStart(100).WithEnd(200)

	cases := []struct {
		name       string
		start, end int64
		want       bool
	}{
		{"ends at start", 50, 100, false},
		{"starts at end", 200, 250, false},
		{"overlaps start", 50, 101, true},
		{"overlaps end", 199, 300, true},
		{"contains slice", 0, 1000, true},
		{"inside slice", 120, 130, true},
	}
	for _, tc := range cases {
		if got := s.Match(anomaly(tc.start, tc.end, nil)); got != tc.want {
			t.Fatalf("%s: expected %t, got %t", tc.name, tc.want, got)
		}
	}
}

func TestAnomalySliceUnboundedWindow(t *testing.T) {
	if !NewAnomalySlice().Match(anomaly(0, 1, nil)) {
		t.Fatalf("unbounded slice should match any interval")
	}
}

func TestAnomalySliceDimensionFilterIsPermissiveForMissingDimensions(t *testing.T) {
	s := NewAnomalySlice().WithFilter("country", "us", "ca").WithFilter("browser", "chrome")

	if !s.Match(anomaly(0, 10, map[string]string{"country": "us"})) {
		t.Fatalf("missing browser dimension should not be checked")
	}
	if s.Match(anomaly(0, 10, map[string]string{"country": "fr"})) {
		t.Fatalf("disallowed country should not match")
	}
	if s.Match(anomaly(0, 10, map[string]string{"country": "ca", "browser": "safari"})) {
		t.Fatalf("disallowed browser should not match")
	}
}

func TestAnomalySliceComponentNamesIgnoreChildTag(t *testing.T) {
	a := anomaly(0, 10, nil)
	a.Child = true
	a.SetProperty(PropDetectorComponentName, "root:THRESHOLD")

	s := NewAnomalySlice().WithDetectionComponentNames([]string{"root:THRESHOLD"})
	if s.IsTaggedAsChild() {
		t.Fatalf("default slice should not be tagged as child")
	}
	if !s.Match(a) {
		t.Fatalf("component name match should ignore child tag")
	}

	other := NewAnomalySlice().WithDetectionComponentNames([]string{"other"}).WithIsTaggedAsChild(true)
	if other.Match(a) {
		t.Fatalf("component name mismatch must not fall back to child tag")
	}
}

func TestAnomalySliceChildTag(t *testing.T) {
	child := anomaly(0, 10, nil)
	child.Child = true

	if NewAnomalySlice().Match(child) {
		t.Fatalf("parent slice should not match child anomaly")
	}
	if !NewAnomalySlice().WithIsTaggedAsChild(true).Match(child) {
		t.Fatalf("child slice should match child anomaly")
	}
}

func TestAnomalySliceWithDoesNotMutateBase(t *testing.T) {
	base := NewAnomalySlice().WithFilter("country", "us")
	derived := base.WithFilter("country", "ca").WithStart(5)

	if got := base.Filters()["country"]; len(got) != 1 {
		t.Fatalf("base filters mutated: %v", got)
	}
	if base.Start() != -1 {
		t.Fatalf("base start mutated: %d", base.Start())
	}
	if base.Equal(derived) {
		t.Fatalf("derived slice should differ from base")
	}
	if !base.Equal(NewAnomalySlice().WithFilter("country", "us")) {
		t.Fatalf("equal slices should compare equal")
	}
}

func TestEnumerationItemMatchesAcrossNumericTypes(t *testing.T) {
	a := NewEnumerationItem("host", map[string]any{"id": 1, "region": "eu"})
	b := NewEnumerationItem("host", map[string]any{"region": "eu", "id": float64(1)})
	if !a.Matches(b) {
		t.Fatalf("expected params to match after normalisation")
	}
	c := NewEnumerationItem("host", map[string]any{"id": 2, "region": "eu"})
	if a.Matches(c) {
		t.Fatalf("different params should not match")
	}
}

func TestEnumerationItemKeySkipsAbsentKeys(t *testing.T) {
	item := NewEnumerationItem("host", map[string]any{"id": 1, "region": "eu"})
	key := item.Key([]string{"id", "zone"})
	if len(key) != 1 || key["id"] != 1 {
		t.Fatalf("unexpected key %v", key)
	}
}

func TestEntitySameAs(t *testing.T) {
	if (Entity{}).SameAs(Entity{}) {
		t.Fatalf("unsaved entities must not be the same")
	}
	if !(Entity{ID: 3, Version: 1}).SameAs(Entity{ID: 3, Version: 7}) {
		t.Fatalf("entities with equal ids should be the same")
	}
}

func TestSubscriptionGroupRepointAssociations(t *testing.T) {
	g := &SubscriptionGroup{AlertAssociations: []AlertAssociation{
		{AlertID: 1, EnumerationItemID: Int64Ptr(10)},
		{AlertID: 2, EnumerationItemID: Int64Ptr(10)},
		{AlertID: 1},
	}}
	if !g.RepointAssociations(1, 10, 20) {
		t.Fatalf("expected change")
	}
	if *g.AlertAssociations[0].EnumerationItemID != 20 {
		t.Fatalf("association not repointed")
	}
	if *g.AlertAssociations[1].EnumerationItemID != 10 {
		t.Fatalf("other alert association must be untouched")
	}
	if !g.Subscribes(1, Int64Ptr(99)) {
		t.Fatalf("alert-wide association should subscribe to every item")
	}
}

func TestMetricSliceMatchRow(t *testing.T) {
	s := NewMetricSlice("cpu", "hosts", 0, 10).WithFilters(map[string][]string{"region": {"eu"}})
	if !s.MatchRow(Row{"region": "eu"}) {
		t.Fatalf("expected row to match")
	}
	if s.MatchRow(Row{"region": "us"}) || s.MatchRow(Row{}) {
		t.Fatalf("expected rows to be filtered")
	}
}
