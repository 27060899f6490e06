// Package text_test tests message normalization.
package text_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voicedrop/voicedrop/internal/synth/text"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain sentence untouched", "Happy birthday, Sam!", "Happy birthday, Sam!"},
		{"whitespace collapsed", "hello   there\n\tfriend", "hello there friend."},
		{"smart quotes normalized", "“quoted” and ‘single’", `"quoted" and 'single'.`},
		{"dashes normalized", "wait — what – now", "wait - what - now."},
		{"ellipsis character expanded", "well…", "well..."},
		{"sentence ending added", "congrats on the launch", "congrats on the launch."},
		{"control characters stripped", "line\x00break", "line break."},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, normalizer.Normalize(testCase.in))
		})
	}
}
