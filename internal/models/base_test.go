package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())
	assert.Len(t, id.String(), 26)
}

func TestParseULID(t *testing.T) {
	original := NewULID()
	parsed, err := ParseULID(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = ParseULID("not-a-valid-ulid")
	assert.ErrorContains(t, err, "invalid ULID")
}

func TestULID_Scan(t *testing.T) {
	validID := NewULID()
	validStr := validID.String()

	tests := []struct {
		name      string
		input     any
		expected  ULID
		expectErr bool
	}{
		{"nil sets zero", nil, ULID{}, false},
		{"valid string", validStr, validID, false},
		{"empty string sets zero", "", ULID{}, false},
		{"valid []byte", []byte(validStr), validID, false},
		{"invalid string", "bad-ulid", ULID{}, true},
		{"unsupported type", 12345, ULID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u ULID
			err := u.Scan(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u)
		})
	}
}

func TestULID_JSON(t *testing.T) {
	var zero ULID
	data, err := json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	id := NewULID()
	data, err = json.Marshal(id)
	require.NoError(t, err)

	var parsed ULID
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, id, parsed)

	assert.Error(t, json.Unmarshal([]byte("12345"), &parsed))
}
