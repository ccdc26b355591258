// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Ingest License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package source

import (
	"testing"
)

func TestNormalizePage_NestedShape(t *testing.T) {
	body := []byte(`{
		"data": {
			"data": [
				{"id": "e1", "timestamp": 1768500000000, "kind": "a"},
				{"id": "e2", "timestamp": 1768400000000, "kind": "b"}
			],
			"pagination": {"hasMore": true, "nextCursor": "abc", "cursorExpiresIn": 300},
			"meta": {"total": 3000000, "returned": 2}
		}
	}`)

	page := NormalizePage(body)
	if len(page.Events) != 2 {
		t.Fatalf("events = %d", len(page.Events))
	}
	if !page.HasMore || page.NextCursor != "abc" {
		t.Errorf("pagination = (%v, %q)", page.HasMore, page.NextCursor)
	}
	if page.Total != 3000000 {
		t.Errorf("total = %d", page.Total)
	}
	if page.Events[0].ID != "e1" || page.Events[0].TimestampMs != 1768500000000 {
		t.Errorf("first event = %+v", page.Events[0])
	}
}

func TestNormalizePage_FlatShape(t *testing.T) {
	body := []byte(`{
		"data": [{"id": "e1", "timestamp": 1768500000}],
		"hasMore": false,
		"nextCursor": "xyz",
		"meta": {"total": 42}
	}`)

	page := NormalizePage(body)
	if len(page.Events) != 1 {
		t.Fatalf("events = %d", len(page.Events))
	}
	// 1768500000 < 1e12: segundos, vira ms
	if page.Events[0].TimestampMs != 1768500000000 {
		t.Errorf("ts = %d", page.Events[0].TimestampMs)
	}
	if page.HasMore || page.NextCursor != "xyz" || page.Total != 42 {
		t.Errorf("page = %+v", page)
	}
}

func TestNormalizePage_FlatWithNestedPagination(t *testing.T) {
	body := []byte(`{
		"data": [{"id": "e1", "ts": "1768500000000"}],
		"pagination": {"hasMore": true, "nextCursor": "pp"}
	}`)

	page := NormalizePage(body)
	if !page.HasMore || page.NextCursor != "pp" {
		t.Errorf("page = %+v", page)
	}
	if page.Total != -1 {
		t.Errorf("total = %d, expected -1 (unknown)", page.Total)
	}
}

func TestNormalizePage_UnrecognizedShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"null", `null`},
		{"empty object", `{}`},
		{"not json", `<html>`},
		{"data not a list", `{"data": 42}`},
		{"nested without list", `{"data": {"pagination": {}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page := NormalizePage([]byte(tc.body))
			if len(page.Events) != 0 || page.HasMore || page.NextCursor != "" || page.Total != -1 {
				t.Errorf("expected canonical empty page, got %+v", page)
			}
		})
	}
}

func TestNormalizePage_DropsEventsWithoutStringID(t *testing.T) {
	body := []byte(`{
		"data": [
			{"id": "keep", "timestamp": 1768500000000},
			{"id": 123, "timestamp": 1768500000000},
			{"timestamp": 1768500000000},
			{"id": "no-ts"},
			{"id": "bad-ts", "timestamp": "not-a-date"}
		],
		"hasMore": false
	}`)

	page := NormalizePage(body)
	if len(page.Events) != 1 || page.Events[0].ID != "keep" {
		t.Errorf("events = %+v", page.Events)
	}
}

func TestNormalizePage_PreservesPayloadVerbatim(t *testing.T) {
	body := []byte(`{"data": [{"id": "e1", "timestamp": 1768500000000, "nested": {"x": [1, 2]}}], "hasMore": false}`)
	page := NormalizePage(body)
	if len(page.Events) != 1 {
		t.Fatalf("events = %d", len(page.Events))
	}
	payload := string(page.Events[0].Payload)
	if payload != `{"id": "e1", "timestamp": 1768500000000, "nested": {"x": [1, 2]}}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestNormalizeTimestamp_EquivalentInstants(t *testing.T) {
	// Um mesmo instante em todas as representações aceitas
	const wantMs = int64(1768500000000)
	cases := []struct {
		name string
		in   interface{}
	}{
		{"seconds int", float64(1768500000)},
		{"millis int", float64(1768500000000)},
		{"seconds string", "1768500000"},
		{"millis string", "1768500000000"},
		{"iso8601", "2026-01-15T18:00:00Z"},
		{"iso8601 with fraction", "2026-01-15T18:00:00.000Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeTimestamp(tc.in)
			if !ok {
				t.Fatalf("not ok for %v", tc.in)
			}
			if got != wantMs {
				t.Errorf("got %d, expected %d", got, wantMs)
			}
		})
	}
}

func TestNormalizeTimestamp_Invalid(t *testing.T) {
	cases := []interface{}{nil, "", "yesterday", "12x34", float64(0), float64(-1), true, []interface{}{}}
	for _, in := range cases {
		if _, ok := NormalizeTimestamp(in); ok {
			t.Errorf("expected not ok for %v", in)
		}
	}
}
