package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnString(t *testing.T) {
	assert.Equal(t,
		"postgresql://root@localhost:26257/calls?sslmode=disable",
		ConnString("localhost", 26257, "root", "", "calls", "disable"),
	)
	assert.Equal(t,
		"postgresql://app:p%40ss@db:26257/calls?sslmode=require",
		ConnString("db", 26257, "app", "p@ss", "calls", "require"),
	)
}
