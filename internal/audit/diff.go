package audit

import (
	"fmt"
	"reflect"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// ComputeDiff compares two snapshots field by field and keeps only the fields
// whose normalized values differ. A nil snapshot stands for "did not exist".
func ComputeDiff(before, after domain.Snapshot) domain.Diff {
	diff := domain.Diff{}

	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	for k := range keys {
		oldVal := normalize(before[k])
		newVal := normalize(after[k])
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		diff[k] = domain.Change{Old: oldVal, New: newVal}
	}
	return diff
}

// normalize maps a snapshot value onto a small set of comparable, JSON stable
// forms. Absent, nil pointers and zero times all become nil.
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339Nano)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
	}

	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}
