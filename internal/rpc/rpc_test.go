package rpc

import (
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcerytools/sbgo"
)

func TestAddCallReturnsOneIndexedID(t *testing.T) {
	s := NewServer(sbgo.NewCtx("test"), t.TempDir(), 4)
	id1 := s.AddCall(func([]interface{}) error { return nil }, nil, "", true)
	id2 := s.AddCall(func([]interface{}) error { return nil }, nil, "", true)
	if id1 != 1 || id2 != 2 {
		t.Errorf("got ids %d, %d; want 1, 2", id1, id2)
	}
}

func TestForkingCallSucceeds(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(sbgo.NewCtx("test"), dir, 4)
	var ran int32
	id := s.AddCall(func([]interface{}) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, nil, "", true)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	status, err := SendMessage(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Error("registered call did not run")
	}
}

func TestForkingCallFailureWritesLogAndReplies1(t *testing.T) {
	dir := t.TempDir()
	log := dir + "/task.log"
	s := NewServer(sbgo.NewCtx("test"), dir, 4)
	id := s.AddCall(func([]interface{}) error {
		return errors.New("boom")
	}, nil, log, true)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	status, err := SendMessage(dir, id)
	if err != nil {
		t.Fatal(err)
	}
	if status != 1 {
		t.Errorf("status = %d, want 1", status)
	}
	contents, err := os.ReadFile(log)
	if err != nil {
		t.Fatalf("log not written: %v", err)
	}
	if len(contents) == 0 {
		t.Error("log is empty")
	}
}

func TestNonForkingCallsSerialize(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(sbgo.NewCtx("test"), dir, 4)
	var counter int32
	var sawConcurrent int32
	id := s.AddCall(func([]interface{}) error {
		if !atomic.CompareAndSwapInt32(&counter, 0, 1) {
			atomic.StoreInt32(&sawConcurrent, 1)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.StoreInt32(&counter, 0)
		return nil
	}, nil, "", false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for i := 0; i < 5; i++ {
		if _, err := SendMessage(dir, id); err != nil {
			t.Fatal(err)
		}
	}
	if atomic.LoadInt32(&sawConcurrent) != 0 {
		t.Error("non-forking calls ran concurrently")
	}
}

func TestStopStopsTheServer(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(sbgo.NewCtx("test"), dir, 4)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
}
