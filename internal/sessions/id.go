package sessions

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// CodeAlphabet excludes characters that are easy to misread (0/O, 1/I).
const (
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 6
)

// IDProvider issues record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// CodeGenerator produces shareable session codes.
type CodeGenerator func() (string, error)

// RandomCode draws CodeLength characters from CodeAlphabet.
func RandomCode() (string, error) {
	buffer := make([]byte, CodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	code := make([]byte, CodeLength)
	for index, value := range buffer {
		// 256 is a multiple of the 32-character alphabet, so the draw is unbiased.
		code[index] = CodeAlphabet[int(value)%len(CodeAlphabet)]
	}
	return string(code), nil
}
