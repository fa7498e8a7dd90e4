package wire

import (
	"bytes"
	"testing"
)

// FuzzReadFrame checks the frame reader never panics and never returns a
// frame together with an error.
// Run with: go test -fuzz='^FuzzReadFrame$' -fuzztime=60s ./wire
func FuzzReadFrame(f *testing.F) {
	f.Add([]byte("answer ok\r\n"))
	f.Add([]byte("answer ok handle 1 volatile_list\r\n"))
	f.Add([]byte("answer ok data key int 1 value string 5\r\n0\r\nhello\r\n"))
	f.Add([]byte("answer ok query 3\r\n"))
	f.Add([]byte("answer error no such container\r\n"))
	f.Add([]byte("event 1 push_back value double 4\r\n1.25\r\n"))
	f.Add([]byte("event 1 clear\r\n"))
	f.Add([]byte("query 1 item value int 1\r\n7\r\n"))
	f.Add([]byte("query 1 end\r\n"))
	f.Add([]byte("group_container g n t 4\r\n"))
	f.Add([]byte("diff_map 2\r\n"))

	f.Add([]byte("answer ok data value string 5\r\nabc"))
	f.Add([]byte("answer ok data value string -1\r\n"))
	f.Add([]byte("event 1 set key string 1 value\r\n"))
	f.Add([]byte("\r\n"))
	f.Add([]byte(""))

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := ReadFrame(NewReader(bytes.NewReader(data), 16))
		if err != nil && frame != nil {
			t.Fatalf("ReadFrame returned frame and error: %v", err)
		}
		if err == nil && frame == nil {
			t.Fatal("ReadFrame returned neither frame nor error")
		}
		if err == nil && frame.Kind == FrameAnswer && frame.Answer == nil {
			t.Fatal("answer frame without answer")
		}
	})
}

// FuzzDecodeX1 checks that anything DecodeX1 accepts survives a re-encode.
func FuzzDecodeX1(f *testing.F) {
	f.Add("X10003C0002I000aS0000X 12 abcdefghij ")
	f.Add("X10000C ")
	f.Add("X10001C0004D1.25 ")
	f.Add("X10001C0003S a b ")
	f.Add("X1ffffC")
	f.Add("not x1")

	f.Fuzz(func(t *testing.T, s string) {
		values, err := DecodeX1(s)
		if err != nil {
			return
		}

		encoded, err := EncodeX1(values)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		again, err := DecodeX1(encoded)
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if len(again) != len(values) {
			t.Fatalf("field count changed: %d -> %d", len(values), len(again))
		}
		for i := range values {
			if !values[i].Equal(again[i]) {
				t.Fatalf("field %d changed: %v -> %v", i, values[i], again[i])
			}
		}
	})
}
