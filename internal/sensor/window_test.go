package sensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWindowFIFOEviction(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push([]float64{float64(i)})
	}
	if !w.Full() {
		t.Fatal("window should be full")
	}
	want := [][]float64{{3}, {4}, {5}}
	if diff := cmp.Diff(want, w.Rows()); diff != "" {
		t.Errorf("Rows() mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowPartial(t *testing.T) {
	w := NewWindow(4)
	w.Push([]float64{1, 2})
	w.Push([]float64{3, 4})
	if w.Full() {
		t.Fatal("window should not be full")
	}
	if w.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", w.Len())
	}
	want := [][]float64{{1, 2}, {3, 4}}
	if diff := cmp.Diff(want, w.Rows()); diff != "" {
		t.Errorf("Rows() mismatch (-want +got):\n%s", diff)
	}
}

func TestWindowCopiesRows(t *testing.T) {
	w := NewWindow(2)
	row := []float64{1}
	w.Push(row)
	row[0] = 99
	if got := w.Rows()[0][0]; got != 1 {
		t.Errorf("window row mutated through caller slice: got %v", got)
	}
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(2)
	w.Push([]float64{1})
	w.Push([]float64{2})
	w.Reset()
	if w.Len() != 0 || w.Full() {
		t.Errorf("after Reset Len=%d Full=%v", w.Len(), w.Full())
	}
}
