package sessionfiles

import (
	"testing"
	"time"
)

func TestPutListGetDelete(t *testing.T) {
	s := New(time.Hour)

	f := s.Put("sess-1", "out.txt", []byte("hello"), "text/plain")
	if f.ID == "" {
		t.Fatal("Put() returned empty file ID")
	}

	files := s.List("sess-1")
	if len(files) != 1 || files[0].Filename != "out.txt" {
		t.Fatalf("List() = %+v, want one out.txt", files)
	}

	got, ok := s.Get("sess-1", f.ID)
	if !ok || string(got.Bytes) != "hello" {
		t.Fatalf("Get() = %+v, %v, want hello file", got, ok)
	}

	if !s.Delete("sess-1", f.ID) {
		t.Fatal("Delete() = false, want true")
	}
	if _, ok := s.Get("sess-1", f.ID); ok {
		t.Fatal("Get() found file after Delete()")
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := New(time.Hour)

	if _, ok := s.GetState("sess-2"); ok {
		t.Fatal("GetState() found state before SetState()")
	}

	s.SetState("sess-2", "x=41")
	got, ok := s.GetState("sess-2")
	if !ok || got != "x=41" {
		t.Fatalf("GetState() = %q, %v, want x=41, true", got, ok)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	s := New(time.Hour)
	s.Put("sess-3", "a.txt", []byte("a"), "")
	s.SetState("sess-3", "state")

	s.Clear("sess-3")

	if files := s.List("sess-3"); len(files) != 0 {
		t.Errorf("List() after Clear() = %+v, want empty", files)
	}
	if _, ok := s.GetState("sess-3"); ok {
		t.Error("GetState() after Clear() found state")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	s := New(20 * time.Millisecond)
	s.Put("sess-4", "a.txt", []byte("a"), "")

	time.Sleep(100 * time.Millisecond)

	if files := s.List("sess-4"); len(files) != 0 {
		t.Errorf("List() after TTL expiry = %+v, want empty", files)
	}
}
