package warehouse

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "class 08 connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "wrapped class 08", err: fmt.Errorf("query: %w", &pq.Error{Code: "08000"}), want: true},
		{name: "constraint violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestClassify_AttachesConnectionLostSentinel(t *testing.T) {
	err := classify("warehouse: exec", &pq.Error{Code: "08006"})
	require.ErrorIs(t, err, ErrConnectionLost)

	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
}

func TestClassify_LeavesQueryErrorsAlone(t *testing.T) {
	err := classify("warehouse: exec", &pq.Error{Code: "23505"})
	assert.False(t, errors.Is(err, ErrConnectionLost))
}
