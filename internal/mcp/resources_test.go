package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCircleTasksURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    int64
		wantError bool
		errSubstr string
	}{
		{
			name:   "valid id",
			uri:    "gathering://circle/7/tasks",
			wantID: 7,
		},
		{
			name:   "large id",
			uri:    "gathering://circle/9007199254740993/tasks",
			wantID: 9007199254740993,
		},
		{
			name:      "empty id",
			uri:       "gathering://circle//tasks",
			wantError: true,
			errSubstr: "empty circle id",
		},
		{
			name:      "non numeric id",
			uri:       "gathering://circle/core/tasks",
			wantError: true,
			errSubstr: "positive integer",
		},
		{
			name:      "negative id",
			uri:       "gathering://circle/-3/tasks",
			wantError: true,
			errSubstr: "positive integer",
		},
		{
			name:      "wrong scheme",
			uri:       "other://circle/1/tasks",
			wantError: true,
			errSubstr: "invalid circle tasks URI",
		},
		{
			name:      "missing suffix",
			uri:       "gathering://circle/1",
			wantError: true,
			errSubstr: "invalid circle tasks URI",
		},
		{
			name:      "empty string",
			uri:       "",
			wantError: true,
			errSubstr: "invalid circle tasks URI",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseCircleTasksURI(tt.uri)

			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				assert.Zero(t, id)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
