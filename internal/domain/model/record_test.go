package model

import "testing"

func TestOrderRefFromFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"A-100.pdf", "A-100"},
		{"/mnt/nas/lab_results/A-100.pdf", "A-100"},
		{"A-100-copy.pdf", "A-100-copy"},
		{"report.v2.pdf", "report.v2"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := OrderRefFromFileName(tt.name); got != tt.want {
			t.Errorf("OrderRefFromFileName(%q) = %q, хотели %q", tt.name, got, tt.want)
		}
	}
}

func TestStateCounts_Add(t *testing.T) {
	var c StateCounts
	c.Add(StatePending, 2)
	c.Add(StateProcessing, 1)
	c.Add(StateCompleted, 5)
	c.Add(StateFailed, 3)

	if c.Total != 11 {
		t.Errorf("Total = %d, хотели 11", c.Total)
	}
	if c.Pending != 2 || c.Processing != 1 || c.Completed != 5 || c.Failed != 3 {
		t.Errorf("неверные счётчики: %+v", c)
	}
}

func TestRecordState_Valid(t *testing.T) {
	for _, s := range AllStates {
		if !s.Valid() {
			t.Errorf("%s должен быть допустимым", s)
		}
	}
	if RecordState("archived").Valid() {
		t.Error("archived не является состоянием")
	}
}
