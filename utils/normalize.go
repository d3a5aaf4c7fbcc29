package utils

import (
	"reflect"
	"strings"
)

// NormalizePtrDTO trims *string fields on a pointer-to-struct DTO.
// Only non-nil pointer fields are touched; nils stay nil so they are not patched.
func NormalizePtrDTO(dto any) {
	s, ok := structOf(dto)
	if !ok {
		return
	}
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if f.Kind() != reflect.Ptr || f.IsNil() || skipNormalize(t.Field(i)) {
			continue
		}
		trim(f.Elem())
	}
}

// NormalizeDTO trims string fields on a pointer-to-struct DTO. Fields tagged
// `normalize:"-"` are left alone (PEM keys, ciphertext).
func NormalizeDTO(dto any) {
	s, ok := structOf(dto)
	if !ok {
		return
	}
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		if skipNormalize(t.Field(i)) {
			continue
		}
		trim(s.Field(i))
	}
}

func skipNormalize(f reflect.StructField) bool {
	return f.Tag.Get("normalize") == "-"
}

func trim(v reflect.Value) {
	if v.Kind() == reflect.String && v.CanSet() {
		v.SetString(strings.TrimSpace(v.String()))
	}
}
