package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelocationDetect(t *testing.T) {
	d := MustRelocationDetector()

	tests := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{
			name:   "has been moved",
			body:   "---\nstatus: Moved\n---\nThis EIP has been moved to [ERC-20](../ERCS/erc-20.md) in the ERCs repository.",
			want:   "../ERCS/erc-20.md",
			wantOK: true,
		},
		{
			name:   "url target",
			body:   "This proposal was moved to [PIP-3](https://github.com/o/r/blob/main/PIPs/pip-3.md).",
			want:   "https://github.com/o/r/blob/main/PIPs/pip-3.md",
			wantOK: true,
		},
		{
			name:   "case insensitive",
			body:   "MOVED TO [x](<b/x-9.md>)",
			want:   "b/x-9.md",
			wantOK: true,
		},
		{
			name: "link on a later line is ignored",
			body: "Funds are moved to the vault.\n\nSee [notes](notes.md).",
		},
		{
			name: "no notice",
			body: "A normal proposal with a [link](other.md).",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := d.Detect(tt.body)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRelocationDetectorConfigurable(t *testing.T) {
	d, err := NewRelocationDetector([]string{`(?i)superseded\s+by`}, "")
	require.NoError(t, err)

	got, ok := d.Detect("Superseded by [PIP-40](../PIPs/pip-40.md)")
	require.True(t, ok)
	require.Equal(t, "../PIPs/pip-40.md", got)

	_, ok = d.Detect("has been moved to [x](a/x-1.md)")
	require.False(t, ok)

	_, err = NewRelocationDetector([]string{"("}, "")
	require.Error(t, err)
	_, err = NewRelocationDetector(nil, `\[.*\]`)
	require.Error(t, err)
}

func TestNumberFromPath(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   int
		wantOK bool
	}{
		{"EIPS/eip-1.md", "eip-", 1, true},
		{"EIPS/EIP-721.md", "eip-", 721, true},
		{"PIPs/pip-012.md", "pip-", 12, true},
		{"docs/proposal_v2_15.md", "pip-", 15, true},
		{"docs/aip-7.md", "", 7, true},
		{"docs/README.md", "eip-", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := NumberFromPath(tt.path, tt.prefix)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseDestination(t *testing.T) {
	got, ok := ParseDestination("../ERCS/erc-20.md#abstract")
	require.True(t, ok)
	require.Equal(t, Destination{Subdir: "ercs", File: "erc-20.md"}, got)

	got, ok = ParseDestination("https://github.com/o/r/blob/main/PIPs/pip-3.md")
	require.True(t, ok)
	require.Equal(t, Destination{Subdir: "pips", File: "pip-3.md"}, got)

	_, ok = ParseDestination("pip-3.md")
	require.False(t, ok)
	_, ok = ParseDestination("")
	require.False(t, ok)
}
