package process

import (
	"bytes"
	"sync"
	"testing"
)

func TestOutputBuffer_BasicWriteRead(t *testing.T) {
	b := newOutputBuffer(1024)
	b.Write([]byte("hello"))
	if got := b.String(); got != "hello" {
		t.Errorf("String() = %q, want %q", got, "hello")
	}
	if got := b.TotalWritten(); got != 5 {
		t.Errorf("TotalWritten() = %d, want 5", got)
	}
}

func TestOutputBuffer_Overflow(t *testing.T) {
	b := newOutputBuffer(10)
	b.Write([]byte("0123456789"))
	b.Write([]byte("ABCDE"))
	if got := b.String(); got != "56789ABCDE" {
		t.Errorf("String() after overflow = %q, want %q", got, "56789ABCDE")
	}
	if got := b.TotalWritten(); got != 15 {
		t.Errorf("TotalWritten() = %d, want 15", got)
	}
}

func TestOutputBuffer_ReadFrom(t *testing.T) {
	b := newOutputBuffer(1024)
	b.Write([]byte("abcdefghij"))

	tests := []struct {
		offset     int64
		want       string
		wantCursor int64
	}{
		{0, "abcdefghij", 10},
		{5, "fghij", 10},
		{10, "", 10},
		{20, "", 20},
	}
	for _, tt := range tests {
		got, cursor := b.ReadFrom(tt.offset)
		if got != tt.want || cursor != tt.wantCursor {
			t.Errorf("ReadFrom(%d) = (%q, %d), want (%q, %d)", tt.offset, got, cursor, tt.want, tt.wantCursor)
		}
	}
}

func TestOutputBuffer_ReadFromDroppedOffset(t *testing.T) {
	b := newOutputBuffer(5)
	b.Write([]byte("abcdefghij"))

	got, cursor := b.ReadFrom(2)
	if got != "fghij" {
		t.Errorf("ReadFrom(2) = %q, want %q", got, "fghij")
	}
	if cursor != 10 {
		t.Errorf("cursor = %d, want 10", cursor)
	}
}

func TestOutputBuffer_Lines(t *testing.T) {
	b := newOutputBuffer(1024)
	if b.Lines() != 0 {
		t.Fatalf("empty buffer Lines() = %d", b.Lines())
	}
	b.Write([]byte("one\ntwo"))
	if got := b.Lines(); got != 2 {
		t.Errorf("Lines() = %d, want 2", got)
	}
	b.Write([]byte("\nthree\n"))
	if got := b.Lines(); got != 3 {
		t.Errorf("Lines() = %d, want 3", got)
	}
}

func TestOutputBuffer_LinesSurviveOverflow(t *testing.T) {
	b := newOutputBuffer(4)
	for i := 0; i < 10; i++ {
		b.Write([]byte("x\n"))
	}
	if got := b.Lines(); got != 10 {
		t.Errorf("Lines() = %d, want 10", got)
	}
}

func TestOutputBuffer_Tail(t *testing.T) {
	b := newOutputBuffer(1024)
	b.Write([]byte("abcdef"))
	if got := b.Tail(3); got != "def" {
		t.Errorf("Tail(3) = %q", got)
	}
	if got := b.Tail(100); got != "abcdef" {
		t.Errorf("Tail(100) = %q", got)
	}
}

func TestOutputBuffer_Mirror(t *testing.T) {
	b := newOutputBuffer(1024)
	b.Write([]byte("seed\n"))

	var file bytes.Buffer
	if err := b.Mirror(&file); err != nil {
		t.Fatal(err)
	}
	b.Write([]byte("more\n"))
	b.Detach()
	b.Write([]byte("ignored\n"))

	if got := file.String(); got != "seed\nmore\n" {
		t.Errorf("mirror = %q, want %q", got, "seed\nmore\n")
	}
}

func TestOutputBuffer_ConcurrentWrites(t *testing.T) {
	b := newOutputBuffer(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	if got := b.Lines(); got != 1000 {
		t.Errorf("Lines() = %d, want 1000", got)
	}
	if got := b.TotalWritten(); got != 5000 {
		t.Errorf("TotalWritten() = %d, want 5000", got)
	}
}
