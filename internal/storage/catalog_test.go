package storage

import (
	"testing"

	"github.com/rossigee/recordstore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIndexSQL_RoundTrip(t *testing.T) {
	tests := []types.IndexSpec{
		{IndexName: "emailIndex", FieldPath: types.FieldPath{"email"}},
		{IndexName: "cityIndex", FieldPath: types.FieldPath{"address.city"}, Unique: true},
		{IndexName: "composite", FieldPath: types.FieldPath{"kind", "meta.day"}},
		{IndexName: "spaced", FieldPath: types.FieldPath{"first name", "a-b.c_d"}},
	}

	for _, want := range tests {
		t.Run(want.IndexName, func(t *testing.T) {
			got, err := parseIndexSQL(want.IndexName, createIndexSQL("users", want))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseIndexSQL_Unrecognised(t *testing.T) {
	_, err := parseIndexSQL("foreign", `CREATE INDEX "x" ON "users" ("name")`)
	assert.Error(t, err)
}

func TestCreateTableSQL(t *testing.T) {
	assert.Equal(t,
		`CREATE TABLE "users" ("id" NOT NULL PRIMARY KEY, "$value" TEXT NOT NULL)`,
		createTableSQL(types.TableSpec{Name: "users"}))
	assert.Equal(t,
		`CREATE TABLE "events" ("seq" INTEGER PRIMARY KEY AUTOINCREMENT, "$value" TEXT NOT NULL)`,
		createTableSQL(types.TableSpec{Name: "events", RecordKeyField: "seq", AutoGenerateKey: true}))
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."email"`, jsonPath("email"))
	assert.Equal(t, `$."address"."city"`, jsonPath("address.city"))
}
