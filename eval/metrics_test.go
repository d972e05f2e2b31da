package eval

import "testing"

func TestRecallAtK(t *testing.T) {
	got := []int64{10, 20, 30, 40}
	expected := []int64{20, 40}

	if r := RecallAtK(got, expected, 4); r != 1.0 {
		t.Fatalf("recall@4 = %v, want 1", r)
	}
	if r := RecallAtK(got, expected, 2); r != 0.5 {
		t.Fatalf("recall@2 = %v, want 0.5", r)
	}
	if r := RecallAtK(got, nil, 2); r != 1.0 {
		t.Fatalf("recall with no expectations = %v, want 1", r)
	}
	if r := RecallAtK(got, expected, 0); r != 0.0 {
		t.Fatalf("recall@0 = %v, want 0", r)
	}
}

func TestMRR(t *testing.T) {
	if r := MRR([]int64{5, 6, 7}, []int64{6}); r != 0.5 {
		t.Fatalf("mrr = %v, want 0.5", r)
	}
	if r := MRR([]int64{5, 6, 7}, []int64{9}); r != 0.0 {
		t.Fatalf("mrr = %v, want 0", r)
	}
	if r := MRR(nil, nil); r != 1.0 {
		t.Fatalf("mrr with no expectations = %v, want 1", r)
	}
}
