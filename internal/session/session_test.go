package session

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	valid := regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	a, b := GenerateToken(), GenerateToken()
	assert.Regexp(t, valid, a, "tokens are object path elements")
	assert.NotEqual(t, a, b)
}
