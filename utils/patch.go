package utils

import (
	"reflect"
	"strings"
)

// UpdatesFromPtrDTO turns the non-nil pointer fields of a patch DTO into a
// column map for a conditional UPDATE. Keys come from the json tag; renames
// maps json names to column names where they differ. Named string and int
// types (scopes, statuses) are flattened to their base kind so every driver
// binds them the same way.
func UpdatesFromPtrDTO(dto any, renames map[string]string) map[string]any {
	res := make(map[string]any)
	s, ok := structOf(dto)
	if !ok {
		return res
	}
	t := s.Type()
	for i := 0; i < t.NumField(); i++ {
		fv := s.Field(i)
		if fv.Kind() != reflect.Ptr || fv.IsNil() {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		if alt, ok := renames[name]; ok && alt != "" {
			name = alt
		}
		res[name] = baseValue(fv.Elem())
	}
	return res
}

func baseValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int())
	case reflect.Bool:
		return v.Bool()
	}
	return v.Interface()
}

func structOf(dto any) (reflect.Value, bool) {
	v := reflect.ValueOf(dto)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, false
	}
	s := v.Elem()
	return s, s.Kind() == reflect.Struct
}
