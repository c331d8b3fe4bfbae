package frame

import (
	"bytes"
	"testing"
)

func TestBaseSetParsedAndRaw(t *testing.T) {
	var b Base
	b.SetParsed([]byte{1, 2, 3}, []byte{4, 5})
	if !bytes.Equal(b.Raw(), []byte{1, 2, 3}) {
		t.Errorf("Raw() = % X, want 01 02 03", b.Raw())
	}
	if !bytes.Equal(b.Tail(), []byte{4, 5}) {
		t.Errorf("Tail() = % X, want 04 05", b.Tail())
	}
	if b.Length() != 3 {
		t.Errorf("Length() = %d, want 3", b.Length())
	}
}

func TestBaseInvalidateTriggersRebuild(t *testing.T) {
	var b Base
	b.SetParsed([]byte{1, 2, 3}, nil)
	calls := 0
	b.Builder = func() []byte {
		calls++
		return []byte{9, 9}
	}
	// Not dirty yet: builder should not run.
	_ = b.Raw()
	if calls != 0 {
		t.Fatalf("builder called %d times before Invalidate, want 0", calls)
	}
	b.Invalidate()
	got := b.Raw()
	if calls != 1 {
		t.Fatalf("builder called %d times after Invalidate, want 1", calls)
	}
	if !bytes.Equal(got, []byte{9, 9}) {
		t.Errorf("Raw() after rebuild = % X, want 09 09", got)
	}
	// Second read should not rebuild again.
	_ = b.Raw()
	if calls != 1 {
		t.Errorf("builder called %d times on second read, want 1 (cached)", calls)
	}
}

func TestMalformedFrameError(t *testing.T) {
	err := &MalformedFrame{Reason: "short buffer", Offset: 4}
	want := "malformed frame at offset 4: short buffer"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnknownPrefixError(t *testing.T) {
	err := &UnknownPrefix{Prefix: []byte{0x99}}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
