// Package password hashes and checks user passwords.
package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	solveserrors "github.com/solveshq/solves/v1/errors"
	"github.com/solveshq/solves/v1/validator"
)

// Cost is the bcrypt work factor. Tests lower it.
var Cost = bcrypt.DefaultCost

// Hash returns the bcrypt hash of password.
func Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether password matches hash.
func Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CheckStrength requires 8 to 128 characters with at least one letter and
// one digit.
func CheckStrength(password string) error {
	if !validator.PasswordOK(password) {
		return solveserrors.Invalid("password", "must be 8 to 128 characters and contain letters and digits")
	}
	return nil
}

// IsMismatch reports whether err came from comparing a wrong password.
func IsMismatch(err error) bool {
	return errors.Is(err, bcrypt.ErrMismatchedHashAndPassword)
}
