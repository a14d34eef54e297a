package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" active ")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = ParseStatus("SUSPENDED")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusActive, true},
		{StatusRequested, StatusCancelled, true},
		{StatusActive, StatusDeactivated, true},
		{StatusActive, StatusActive, true},
		{StatusDeactivated, StatusActive, true},
		{StatusCancelled, StatusActive, true},

		{StatusActive, StatusRequested, false},
		{StatusDeactivated, StatusRequested, false},
		{StatusCancelled, StatusDeactivated, false},
		{StatusDeactivated, StatusCancelled, false},
		{StatusRequested, StatusRequested, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			if tt.want {
				assert.NoError(t, ValidateTransition(tt.from, tt.to))
			} else {
				assert.ErrorIs(t, ValidateTransition(tt.from, tt.to), ErrInvalidTransition)
			}
		})
	}
}

func TestRecord_Root(t *testing.T) {
	assert.True(t, (&Record{ParentID: 0}).Root())
	assert.False(t, (&Record{ParentID: 7}).Root())
}
