package queue

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTable(t *testing.T) {
	cases := []struct {
		in      string
		want    pgx.Identifier
		wantErr bool
	}{
		{in: "eventq_messages", want: pgx.Identifier{"eventq_messages"}},
		{in: " public.eventq_messages ", want: pgx.Identifier{"public", "eventq_messages"}},
		{in: "", wantErr: true},
		{in: "a.b.c", wantErr: true},
		{in: "public.", wantErr: true},
		{in: "drop table;", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseTable(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
}
