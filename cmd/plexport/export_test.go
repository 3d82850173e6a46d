package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/plexport/pkg/plexport/manifest"
)

func TestParseRefs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []manifest.PlaylistRef
		wantErr bool
	}{
		{
			name: "ids only",
			args: []string{"p1", "p2"},
			want: []manifest.PlaylistRef{{ID: "p1"}, {ID: "p2"}},
		},
		{
			name: "title override",
			args: []string{"p1=Road Trip = 2024", " p2 "},
			want: []manifest.PlaylistRef{{ID: "p1", Title: "Road Trip = 2024"}, {ID: "p2"}},
		},
		{
			name: "duplicates keep the first",
			args: []string{"p1=First", "p2", "p1=Second"},
			want: []manifest.PlaylistRef{{ID: "p1", Title: "First"}, {ID: "p2"}},
		},
		{
			name:    "empty id",
			args:    []string{"=Title"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRefs(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
