package utils

import "testing"

type level string

func TestUpdatesFromPtrDTO(t *testing.T) {
	scope := level("write")
	limit := 120
	dto := struct {
		Scope *level  `json:"scope"`
		Limit *int    `json:"limit"`
		Name  *string `json:"name"`
		Note  *string `json:"-"`
	}{Scope: &scope, Limit: &limit, Note: new(string)}

	got := UpdatesFromPtrDTO(&dto, map[string]string{"limit": "rate_limit"})
	if len(got) != 2 {
		t.Fatalf("UpdatesFromPtrDTO() = %v, want 2 fields", got)
	}
	if v, ok := got["scope"].(string); !ok || v != "write" {
		t.Errorf("scope = %#v, want plain string", got["scope"])
	}
	if got["rate_limit"] != 120 {
		t.Errorf("rate_limit = %#v", got["rate_limit"])
	}
	if len(UpdatesFromPtrDTO(dto, nil)) != 0 {
		t.Error("non-pointer DTO should yield no updates")
	}
}

func TestNormalizeDTO(t *testing.T) {
	dto := struct {
		Name string `json:"name"`
		PEM  string `json:"pem" normalize:"-"`
	}{Name: "  alice ", PEM: "-----BEGIN-----\n"}
	NormalizeDTO(&dto)
	if dto.Name != "alice" || dto.PEM != "-----BEGIN-----\n" {
		t.Errorf("NormalizeDTO() = %+v", dto)
	}

	name := " bob "
	pdto := struct {
		Name *string `json:"name"`
		Skip *string `json:"skip"`
	}{Name: &name}
	NormalizePtrDTO(&pdto)
	if *pdto.Name != "bob" || pdto.Skip != nil {
		t.Errorf("NormalizePtrDTO() = %+v", pdto)
	}
}
