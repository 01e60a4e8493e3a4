package matchengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	matchtypes "github.com/oche-scoring/oche/app/modules/match/domain/types"
)

func TestApplyThrow(t *testing.T) {
	tests := []struct {
		name    string
		current int
		dart    string
		rule    matchtypes.FinishRule
		want    ThrowResult
	}{
		{
			name:    "ordinary dart reduces the score",
			current: 501,
			dart:    "T20",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 441},
		},
		{
			name:    "overshoot busts and reverts",
			current: 40,
			dart:    "T20",
			rule:    matchtypes.SingleOut,
			want:    ThrowResult{NewScore: 40, Busted: true},
		},
		{
			name:    "exact zero finishes under single out",
			current: 20,
			dart:    "S20",
			rule:    matchtypes.SingleOut,
			want:    ThrowResult{NewScore: 0, Finished: true},
		},
		{
			name:    "exact zero on a single busts under double out",
			current: 20,
			dart:    "S20",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 20, Busted: true},
		},
		{
			name:    "exact zero on a double finishes under double out",
			current: 32,
			dart:    "D16",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 0, Finished: true},
		},
		{
			name:    "inner bull counts as a double",
			current: 50,
			dart:    "DB",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 0, Finished: true},
		},
		{
			name:    "outer bull cannot finish under double out",
			current: 25,
			dart:    "SB",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 25, Busted: true},
		},
		{
			name:    "landing on 1 busts under double out",
			current: 21,
			dart:    "S20",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 21, Busted: true},
		},
		{
			name:    "landing on 1 is fine under single out",
			current: 21,
			dart:    "S20",
			rule:    matchtypes.SingleOut,
			want:    ThrowResult{NewScore: 1},
		},
		{
			name:    "landing on 2 leaves a double out open",
			current: 22,
			dart:    "S20",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 2},
		},
		{
			name:    "miss changes nothing",
			current: 180,
			dart:    "Miss",
			rule:    matchtypes.DoubleOut,
			want:    ThrowResult{NewScore: 180},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyThrow(tt.current, matchtypes.ParseSegment(tt.dart), tt.rule)
			assert.Equal(t, tt.want, got)
		})
	}
}
