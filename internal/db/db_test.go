package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDialector(t *testing.T) {
	assert.Equal(t, "postgres", Dialector("postgres://u:p@localhost:5432/app").Name())
	assert.Equal(t, "postgres", Dialector("postgresql://u:p@localhost/app").Name())
	assert.Equal(t, "sqlite", Dialector("sqlite:/tmp/app.db").Name())
	assert.Equal(t, "sqlite", Dialector("file::memory:?cache=shared").Name())
	assert.Equal(t, "mysql", Dialector("app:apppass@tcp(127.0.0.1:3306)/ghostwriter").Name())
}

func TestConnect_SQLiteMigrates(t *testing.T) {
	type widget struct {
		ID   uint64 `gorm:"primaryKey"`
		Name string
	}
	gdb := Connect("sqlite:file:dbtest?mode=memory&cache=shared", &widget{})
	assert.True(t, gdb.Migrator().HasTable(&widget{}))
}
