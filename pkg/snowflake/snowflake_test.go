package snowflake

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateMonotonic(t *testing.T) {
	s, err := NewSnowflake(7)
	if err != nil {
		t.Fatal(err)
	}
	base := time.UnixMilli(defaultEpoch + 10_000)
	s.now = func() time.Time { return base }

	var last int64
	for i := 0; i < 100; i++ {
		id, err := s.Generate()
		if err != nil {
			t.Fatal(err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
	ts, machine, seq := s.Parse(last)
	if !ts.Equal(base) || machine != 7 || seq != 99 {
		t.Fatalf("parse = %v %d %d", ts, machine, seq)
	}
}

func TestClockBackwards(t *testing.T) {
	s, _ := NewSnowflake(1)
	now := time.UnixMilli(defaultEpoch + 5_000)
	s.now = func() time.Time { return now }
	if _, err := s.Generate(); err != nil {
		t.Fatal(err)
	}
	now = now.Add(-time.Second)
	if _, err := s.Generate(); !errors.Is(err, ErrClockBackwards) {
		t.Fatalf("err = %v", err)
	}
}

func TestMachineIDRange(t *testing.T) {
	for _, id := range []int64{-1, maxMachineID + 1} {
		if _, err := NewSnowflake(id); err == nil {
			t.Fatalf("machine id %d accepted", id)
		}
	}
}
