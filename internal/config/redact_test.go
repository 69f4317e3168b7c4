package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/memoir/internal/config"
)

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://memoir:hunter2@db:5432/memoir?sslmode=disable", "postgres://memoir:%5BREDACTED%5D@db:5432/memoir?sslmode=disable"},
		{"redis://:s3cret@cache:6379/0", "redis://:%5BREDACTED%5D@cache:6379/0"},
		{"redis://cache:6379/0", "redis://cache:6379/0"},
		{"host=db user=memoir password=hunter2 dbname=memoir", "host=db user=memoir password=[REDACTED] dbname=memoir"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, config.RedactDSN(tt.in))
	}
}
