package validator

import (
	"errors"
	"testing"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

type signUp struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=10"`
	Password string `json:"password" validate:"password"`
	Currency string `json:"currency" validate:"omitempty,currency"`
}

func TestStructValid(t *testing.T) {
	in := signUp{Email: "a@b.io", Name: "Ann", Password: "secret123", Currency: "EUR"}
	if err := Struct(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	err := Struct(signUp{Email: "nope", Name: "a very long name", Password: "short"})
	if !errors.Is(err, solveserrors.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if f := solveserrors.FieldOf(err); f != "email" {
		t.Fatalf("expected first field email, got %q", f)
	}
	fields := Fields(err)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %v", fields)
	}
	if fields["name"] != "must be at most 10 characters" {
		t.Fatalf("unexpected name message %q", fields["name"])
	}
	if _, ok := fields["password"]; !ok {
		t.Fatalf("expected password failure, got %v", fields)
	}
}

func TestFieldsFromSingleInvalid(t *testing.T) {
	fields := Fields(solveserrors.Invalid("order", "must be a permutation"))
	if fields["order"] != "must be a permutation" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if Fields(errors.New("boom")) != nil {
		t.Fatalf("expected nil for plain errors")
	}
}

func TestPasswordOK(t *testing.T) {
	cases := map[string]bool{
		"abcdefg1":                true,
		"abcdefgh":                false,
		"12345678":                false,
		"ab1":                     false,
		string(make([]rune, 129)): false,
		"Pässwörd9":               true,
	}
	for in, want := range cases {
		if got := PasswordOK(in); got != want {
			t.Errorf("PasswordOK(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCurrency(t *testing.T) {
	type price struct {
		Currency string `json:"currency" validate:"currency"`
	}
	if err := Struct(price{Currency: "usd"}); solveserrors.FieldOf(err) != "currency" {
		t.Fatalf("expected currency failure, got %v", err)
	}
	if err := Struct(price{Currency: "USD"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
