// Package db tests for unit ID utilities
package db

import (
	"testing"
)

func TestParseUnitID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantTask string
		wantSeq  int
		wantErr  bool
	}{
		{"first unit", "task-123-u1", "task-123", 1, false},
		{"double digit sequence", "task-123-u12", "task-123", 12, false},
		{"nano timestamp task", "task-1724500000000000000-u3", "task-1724500000000000000", 3, false},
		{"bare task id", "task-123", "", 0, true},
		{"missing sequence", "task-123-u", "", 0, true},
		{"empty string", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTask, gotSeq, err := ParseUnitID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseUnitID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if gotTask != tt.wantTask {
					t.Errorf("ParseUnitID() task = %v, want %v", gotTask, tt.wantTask)
				}
				if gotSeq != tt.wantSeq {
					t.Errorf("ParseUnitID() seq = %v, want %v", gotSeq, tt.wantSeq)
				}
			}
		})
	}
}

func TestUnitID_RoundTrip(t *testing.T) {
	id := UnitID("task-456", 7)
	if id != "task-456-u7" {
		t.Errorf("UnitID() = %v, want task-456-u7", id)
	}

	taskID, seq, err := ParseUnitID(id)
	if err != nil {
		t.Fatalf("ParseUnitID() error = %v", err)
	}
	if taskID != "task-456" || seq != 7 {
		t.Errorf("Round trip gave (%v, %v), want (task-456, 7)", taskID, seq)
	}
}

func TestTaskIDOf(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"task-123-u1", "task-123"},
		{"task-123", "task-123"},
		{"anything", "anything"},
	}

	for _, tt := range tests {
		if got := TaskIDOf(tt.input); got != tt.want {
			t.Errorf("TaskIDOf(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestIsUnitID(t *testing.T) {
	if !IsUnitID("task-123-u1") {
		t.Error("Expected task-123-u1 to be a unit ID")
	}
	if IsUnitID("task-123") {
		t.Error("Expected task-123 not to be a unit ID")
	}
}

func TestUnitSeq(t *testing.T) {
	if got := UnitSeq("task-123-u4"); got != 4 {
		t.Errorf("UnitSeq() = %v, want 4", got)
	}
	if got := UnitSeq("task-123"); got != 0 {
		t.Errorf("UnitSeq() = %v, want 0 for non-unit ID", got)
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"task-1724500000000000000-u3", "task-…-u3"},
		{"task-123-u1", "task-123-u1"},
		{"ws-1", "ws-1"},
	}

	for _, tt := range tests {
		if got := ShortID(tt.input); got != tt.want {
			t.Errorf("ShortID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
