package adapter

import (
	"testing"
)

func matchOrFail(t *testing.T, record, filter map[string]interface{}) bool {
	t.Helper()
	ok, err := MatchRecord(record, filter)
	if err != nil {
		t.Fatalf("MatchRecord() error = %v", err)
	}
	return ok
}

func TestMatchRecordEquality(t *testing.T) {
	record := map[string]interface{}{"status": "active", "age": 30, "score": 9.5}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"bare equality matches", map[string]interface{}{"status": "active"}, true},
		{"bare equality misses", map[string]interface{}{"status": "inactive"}, false},
		{"numeric coercion int vs float", map[string]interface{}{"age": 30.0}, true},
		{"eq operator", map[string]interface{}{"status": map[string]interface{}{"$eq": "active"}}, true},
		{"ne operator", map[string]interface{}{"status": map[string]interface{}{"$ne": "inactive"}}, true},
		{"ne misses on equal", map[string]interface{}{"status": map[string]interface{}{"$ne": "active"}}, false},
		{"missing field equals nil", map[string]interface{}{"missing": nil}, true},
		{"missing field fails equality", map[string]interface{}{"missing": "x"}, false},
		{"multiple fields all match", map[string]interface{}{"status": "active", "age": 30}, true},
		{"multiple fields one misses", map[string]interface{}{"status": "active", "age": 31}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrFail(t, record, tt.filter); got != tt.want {
				t.Errorf("MatchRecord() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRecordComparisons(t *testing.T) {
	record := map[string]interface{}{"age": 30, "name": "mallory"}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"gt true", map[string]interface{}{"age": map[string]interface{}{"$gt": 29}}, true},
		{"gt false at equal", map[string]interface{}{"age": map[string]interface{}{"$gt": 30}}, false},
		{"gte true at equal", map[string]interface{}{"age": map[string]interface{}{"$gte": 30}}, true},
		{"lt true", map[string]interface{}{"age": map[string]interface{}{"$lt": 31}}, true},
		{"lte false above", map[string]interface{}{"age": map[string]interface{}{"$lte": 29}}, false},
		{"range combined", map[string]interface{}{"age": map[string]interface{}{"$gte": 18, "$lt": 65}}, true},
		{"string ordering", map[string]interface{}{"name": map[string]interface{}{"$gt": "alice"}}, true},
		{"incomparable fails condition", map[string]interface{}{"name": map[string]interface{}{"$gt": 5}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrFail(t, record, tt.filter); got != tt.want {
				t.Errorf("MatchRecord() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRecordMembership(t *testing.T) {
	record := map[string]interface{}{"region": "eu-west", "tier": 2}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"in matches", map[string]interface{}{"region": map[string]interface{}{"$in": []interface{}{"eu-west", "us-east"}}}, true},
		{"in misses", map[string]interface{}{"region": map[string]interface{}{"$in": []interface{}{"ap-south"}}}, false},
		{"nin matches", map[string]interface{}{"region": map[string]interface{}{"$nin": []interface{}{"ap-south"}}}, true},
		{"nin misses", map[string]interface{}{"region": map[string]interface{}{"$nin": []interface{}{"eu-west"}}}, false},
		{"in with numeric coercion", map[string]interface{}{"tier": map[string]interface{}{"$in": []interface{}{1.0, 2.0}}}, true},
		{"between inclusive low", map[string]interface{}{"tier": map[string]interface{}{"$between": []interface{}{2, 5}}}, true},
		{"between inclusive high", map[string]interface{}{"tier": map[string]interface{}{"$between": []interface{}{0, 2}}}, true},
		{"between outside", map[string]interface{}{"tier": map[string]interface{}{"$between": []interface{}{3, 9}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrFail(t, record, tt.filter); got != tt.want {
				t.Errorf("MatchRecord() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRecordLike(t *testing.T) {
	record := map[string]interface{}{"email": "dev@example.com"}

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"suffix", "%@example.com", true},
		{"prefix", "dev@%", true},
		{"contains", "%example%", true},
		{"underscore single char", "de_@example.com", true},
		{"no match", "%@other.com", false},
		{"regex meta escaped", "dev@example.com", true},
		{"dot not wildcard", "dev@exampleXcom", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := map[string]interface{}{"email": map[string]interface{}{"$like": tt.pattern}}
			if got := matchOrFail(t, record, filter); got != tt.want {
				t.Errorf("$like %q = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestMatchRecordJSON(t *testing.T) {
	record := map[string]interface{}{
		"payload": map[string]interface{}{
			"user": map[string]interface{}{"id": 7, "name": "kim"},
			"tags": []interface{}{"cdc", "orders", "eu"},
		},
	}

	tests := []struct {
		name     string
		expected interface{}
		want     bool
	}{
		{"partial map", map[string]interface{}{"user": map[string]interface{}{"id": 7}}, true},
		{"deep miss", map[string]interface{}{"user": map[string]interface{}{"id": 8}}, false},
		{"list subset", map[string]interface{}{"tags": []interface{}{"orders"}}, true},
		{"list element missing", map[string]interface{}{"tags": []interface{}{"absent"}}, false},
		{"extra expected key", map[string]interface{}{"region": "eu"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter := map[string]interface{}{"payload": map[string]interface{}{"$json": tt.expected}}
			if got := matchOrFail(t, record, filter); got != tt.want {
				t.Errorf("$json = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchRecordDottedPaths(t *testing.T) {
	record := map[string]interface{}{
		"customer": map[string]interface{}{"address": map[string]interface{}{"city": "Lyon"}},
	}

	filter := map[string]interface{}{"customer.address.city": "Lyon"}
	if !matchOrFail(t, record, filter) {
		t.Error("dotted path equality failed")
	}
}

func TestMatchRecordUnknownOperator(t *testing.T) {
	_, err := MatchRecord(
		map[string]interface{}{"a": 1},
		map[string]interface{}{"a": map[string]interface{}{"$regex": "x"}},
	)
	if err == nil {
		t.Error("unknown operator accepted, want error")
	}
}

func TestMatchRecordPlainMapIsEquality(t *testing.T) {
	record := map[string]interface{}{"meta": map[string]interface{}{"a": 1}}

	// A map value without $ keys is an equality target.
	if !matchOrFail(t, record, map[string]interface{}{"meta": map[string]interface{}{"a": 1}}) {
		t.Error("plain map equality failed")
	}
	if matchOrFail(t, record, map[string]interface{}{"meta": map[string]interface{}{"a": 2}}) {
		t.Error("plain map equality matched different value")
	}
}

func TestFilterRecords(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1, "status": "active"},
		{"id": 2, "status": "inactive"},
		{"id": 3, "status": "active"},
	}

	got, err := FilterRecords(records, map[string]interface{}{"status": "active"})
	if err != nil {
		t.Fatalf("FilterRecords() = %v", err)
	}
	if len(got) != 2 || got[0]["id"] != 1 || got[1]["id"] != 3 {
		t.Errorf("filtered = %v", got)
	}

	all, err := FilterRecords(records, nil)
	if err != nil || len(all) != 3 {
		t.Errorf("empty filter = %v, %v, want all records", all, err)
	}
}

func TestSortRecords(t *testing.T) {
	records := []map[string]interface{}{
		{"name": "c", "age": 30},
		{"name": "a", "age": 25},
		{"name": "b", "age": 25},
	}

	SortRecords(records, []SortKey{{Field: "age"}, {Field: "name", Desc: true}})

	wantNames := []string{"b", "a", "c"}
	for i, want := range wantNames {
		if records[i]["name"] != want {
			t.Errorf("records[%d] = %v, want name %s", i, records[i], want)
		}
	}
}

func TestSortRecordsNilsFirst(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1, "rank": 5},
		{"id": 2},
		{"id": 3, "rank": 1},
	}

	SortRecords(records, []SortKey{{Field: "rank"}})
	if records[0]["id"] != 2 {
		t.Errorf("nil rank not first: %v", records)
	}
	if records[1]["id"] != 3 || records[2]["id"] != 1 {
		t.Errorf("order = %v", records)
	}
}

func TestPage(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4}, {"id": 5},
	}

	tests := []struct {
		name    string
		offset  int
		limit   int
		wantIDs []int
	}{
		{"no paging", 0, 0, []int{1, 2, 3, 4, 5}},
		{"limit only", 0, 2, []int{1, 2}},
		{"offset only", 3, 0, []int{4, 5}},
		{"offset and limit", 1, 2, []int{2, 3}},
		{"offset past end", 10, 2, nil},
		{"limit past end", 3, 10, []int{4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Page(records, tt.offset, tt.limit)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("page = %v, want ids %v", got, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if got[i]["id"] != id {
					t.Errorf("page[%d] = %v, want id %d", i, got[i], id)
				}
			}
		})
	}
}

func TestProjectColumns(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1, "name": "a", "secret": "x"},
	}

	got := ProjectColumns(records, []string{"id", "name", "missing"})
	if len(got[0]) != 2 {
		t.Errorf("projection = %v, want id and name only", got[0])
	}
	if _, ok := got[0]["secret"]; ok {
		t.Error("unprojected column leaked")
	}

	same := ProjectColumns(records, nil)
	if len(same[0]) != 3 {
		t.Error("empty projection should return records unchanged")
	}
}
