package evaluate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDiffStat(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  DiffStat
	}{
		{
			name:  "all fields",
			input: " a.go | 10 +++++++---\n b.go | 8 ++++++--\n 2 files changed, 15 insertions(+), 3 deletions(-)",
			want:  DiffStat{FilesChanged: 2, LinesAdded: 15, LinesRemoved: 3},
		},
		{
			name:  "insertions only",
			input: " a.go | 4 ++++\n 1 file changed, 4 insertions(+)",
			want:  DiffStat{FilesChanged: 1, LinesAdded: 4},
		},
		{
			name:  "deletions only",
			input: " 1 file changed, 1 deletion(-)",
			want:  DiffStat{FilesChanged: 1, LinesRemoved: 1},
		},
		{
			name:  "trailing newline",
			input: " 3 files changed, 1 insertion(+), 2 deletions(-)\n",
			want:  DiffStat{FilesChanged: 3, LinesAdded: 1, LinesRemoved: 2},
		},
		{name: "empty", input: "", want: DiffStat{}},
		{name: "no summary line", input: "warning: something odd", want: DiffStat{}},
		{
			name:  "binary change",
			input: " img.png | Bin 0 -> 1024 bytes\n 1 file changed, 0 insertions(+), 0 deletions(-)",
			want:  DiffStat{FilesChanged: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDiffStat(tt.input))
		})
	}
}
