package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictErrorFallsBackToMessage(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{fmt.Errorf("save: %w", errors.New("SQLITE_BUSY: retry")), true},
		{errors.New("no such table"), false},
	}
	for _, tc := range cases {
		if got := IsSQLiteConflictError(tc.err); got != tc.want {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
