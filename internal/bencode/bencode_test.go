package bencode

import (
	"reflect"
	"strings"
	"testing"
)

func wantErrContains(t *testing.T, err error, substr string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("error = %v, want contains %q", err, substr)
	}
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"string", "spam"},
		{"empty-string", ""},
		{"int", int64(42)},
		{"negative-int", int64(-7)},
		{"list", []any{"spam", int64(1)}},
		{
			"dict",
			map[string]any{
				"a": int64(1),
				"b": "x",
				"c": []any{"y", int64(3)},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}

			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.in) {
				t.Fatalf("got %#v, want %#v", got, tc.in)
			}
		})
	}
}

func TestUnmarshal_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"int-zero", "i0e", any(int64(0))},
		{
			"nested",
			"d8:announce14:http://tracker4:infod6:lengthi1024eee",
			any(map[string]any{
				"announce": "http://tracker",
				"info":     map[string]any{"length": int64(1024)},
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"leading-zero", "d1:ai01ee", "leading zero"},
		{"negative-zero", "i-0e", "negative zero"},
		{"negative-string-length", "-1:x", "length can't be negative"},
		{"trailing-data", "i1ei2e", "trailing data"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.in))
			wantErrContains(t, err, tc.want)
		})
	}
}

func TestLocate(t *testing.T) {
	raw := "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso12:piece lengthi512eee"

	got, err := Locate([]byte(raw), "info")
	if err != nil {
		t.Fatalf("Locate error: %v", err)
	}

	want := "d6:lengthi1024e4:name10:ubuntu.iso12:piece lengthi512ee"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	// the returned slice must decode to the same structure as a plain
	// Unmarshal of the "info" key, proving it's a value byte-span, not a
	// re-encoding.
	viaLocate, err := Unmarshal(got)
	if err != nil {
		t.Fatalf("Unmarshal(Locate result) error: %v", err)
	}

	full, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal(raw) error: %v", err)
	}
	want2 := full.(map[string]any)["info"]
	if !reflect.DeepEqual(viaLocate, want2) {
		t.Fatalf("Locate slice decodes to %#v, want %#v", viaLocate, want2)
	}
}

func TestLocate_KeyNotFound(t *testing.T) {
	_, err := Locate([]byte("d8:announce14:http://trackere"), "info")
	wantErrContains(t, err, "not found")
}

func TestLocate_NotADict(t *testing.T) {
	_, err := Locate([]byte("4:spam"), "info")
	wantErrContains(t, err, "not a dictionary")
}

func TestDecoder_PosMarksEndOfValue(t *testing.T) {
	data := []byte("d8:msg_typei0eeTRAILING")

	d := NewDecoder(data)
	v, err := d.Decode()
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	dict, ok := v.(map[string]any)
	if !ok || dict["msg_type"] != int64(0) {
		t.Fatalf("decoded = %#v, want dict with msg_type=0", v)
	}

	if got, want := d.Pos(), len(data)-len("TRAILING"); got != want {
		t.Fatalf("Pos() = %d, want %d", got, want)
	}
	if rest := string(data[d.Pos():]); rest != "TRAILING" {
		t.Fatalf("remaining bytes = %q, want %q", rest, "TRAILING")
	}
}
