// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cursor

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestForge_RoundTrip(t *testing.T) {
	cases := []int64{1, 1766700000000, 1769899999999, 4102444799999}
	for _, ts := range cases {
		c := Forge(ts)
		got, ok := DecodeTs(c)
		if !ok {
			t.Fatalf("DecodeTs(Forge(%d)): not ok", ts)
		}
		if got != ts {
			t.Errorf("DecodeTs(Forge(%d)) = %d", ts, got)
		}
	}
}

func TestForge_Shape(t *testing.T) {
	c := Forge(1768500000000)

	// base64url sem padding
	if got := c; got != "" {
		for _, r := range got {
			if r == '+' || r == '/' || r == '=' {
				t.Fatalf("cursor contains non-url-safe char %q: %s", r, got)
			}
		}
	}

	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var p map[string]interface{}
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p["id"] != "00000000-0000-0000-0000-000000000000" {
		t.Errorf("id = %v, expected null UUID", p["id"])
	}
	if p["v"] != float64(2) {
		t.Errorf("v = %v, expected 2", p["v"])
	}
	if p["exp"] != float64(4102444800000) {
		t.Errorf("exp = %v", p["exp"])
	}
}

func TestDecodeTs_Malformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"garbage", "not-base64!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"missing ts", base64.RawURLEncoding.EncodeToString([]byte(`{"id":"x","v":2}`))},
		{"negative ts", base64.RawURLEncoding.EncodeToString([]byte(`{"ts":-5}`))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := DecodeTs(tc.in); ok {
				t.Errorf("DecodeTs(%q): expected not ok", tc.in)
			}
		})
	}
}

func TestDecodeTs_AcceptsPaddedAndStdAlphabet(t *testing.T) {
	raw := []byte(`{"id":"00000000-0000-0000-0000-000000000000","ts":1768400000000,"v":2,"exp":4102444800000}`)

	padded := base64.URLEncoding.EncodeToString(raw)
	if got, ok := DecodeTs(padded); !ok || got != 1768400000000 {
		t.Errorf("padded: got (%d, %v)", got, ok)
	}

	std := base64.StdEncoding.EncodeToString(raw)
	if got, ok := DecodeTs(std); !ok || got != 1768400000000 {
		t.Errorf("std alphabet: got (%d, %v)", got, ok)
	}
}

func TestPartition_Invariants(t *testing.T) {
	cases := []struct {
		name       string
		min, max   int64
		n          int
	}{
		{"single", 1766700000000, 1769900000000, 1},
		{"eight", 1766700000000, 1769900000000, 8},
		{"uneven width", 0, 10, 3},
		{"n larger than range", 0, 5, 4},
		{"clamped n", 100, 200, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Partition(tc.min, tc.max, tc.n)

			wantN := tc.n
			if wantN < 1 {
				wantN = 1
			}
			if len(chunks) != wantN {
				t.Fatalf("len = %d, expected %d", len(chunks), wantN)
			}
			if chunks[0].StartTs != tc.min {
				t.Errorf("first start = %d, expected %d", chunks[0].StartTs, tc.min)
			}
			if chunks[len(chunks)-1].EndTs != tc.max+1 {
				t.Errorf("last end = %d, expected %d", chunks[len(chunks)-1].EndTs, tc.max+1)
			}
			for i := 0; i < len(chunks)-1; i++ {
				if chunks[i].EndTs != chunks[i+1].StartTs {
					t.Errorf("gap between chunk %d and %d: %d != %d",
						i, i+1, chunks[i].EndTs, chunks[i+1].StartTs)
				}
			}
			for _, c := range chunks {
				if c.StartTs >= c.EndTs {
					t.Errorf("empty or inverted chunk: %+v", c)
				}
			}
		})
	}
}

func TestChunk_Contains(t *testing.T) {
	c := Chunk{StartTs: 1768000000000, EndTs: 1769000000000}

	if !c.Contains(1768000000000) {
		t.Error("start must be inclusive")
	}
	if c.Contains(1769000000000) {
		t.Error("end must be exclusive")
	}
	if !c.Contains(1768500000000) {
		t.Error("interior point must be contained")
	}
	if c.Contains(1767999999999) {
		t.Error("point below start must not be contained")
	}
}
