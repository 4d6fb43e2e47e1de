package listener

import "testing"

func TestGetBatches_SingleID(t *testing.T) {
	got := GetBatches(10, 10, 5)
	want := [][2]uint32{{10, 11}}
	assertBatchesEqual(t, got, want)
}

func TestGetBatches_UnderSize(t *testing.T) {
	got := GetBatches(1, 5, 10)
	want := [][2]uint32{{1, 6}}
	assertBatchesEqual(t, got, want)
}

func TestGetBatches_MultipleBatches(t *testing.T) {
	got := GetBatches(1, 12, 5)
	want := [][2]uint32{{1, 6}, {6, 11}, {11, 13}}
	assertBatchesEqual(t, got, want)
}

func TestGetBatches_UnionCoversRangeAndBounded(t *testing.T) {
	start, end, size := uint32(3), uint32(37), uint32(7)
	batches := GetBatches(start, end, size)
	if len(batches) == 0 {
		t.Fatal("expected at least one batch")
	}
	if batches[0][0] != start {
		t.Fatalf("first batch must begin at start, got %d", batches[0][0])
	}
	next := start
	for _, b := range batches {
		if b[0] != next {
			t.Fatalf("batch %v does not continue from %d", b, next)
		}
		if b[1]-b[0] > size {
			t.Fatalf("batch %v exceeds size %d", b, size)
		}
		next = b[1]
	}
	if next != end+1 {
		t.Fatalf("union ends at %d, want %d", next, end+1)
	}
}

func assertBatchesEqual(t *testing.T, got, want [][2]uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
