package gronka_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p2xai/gronka/pkg/gronka"
)

func TestParseMediaKind(t *testing.T) {
	tests := []struct {
		hint     string
		expected gronka.MediaKind
	}{
		{"image", gronka.KindImage},
		{"image/png", gronka.KindImage},
		{"Image", gronka.KindImage},
		{"video", gronka.KindVideo},
		{"video/mp4", gronka.KindVideo},
		{"gif", gronka.KindGIF},
		{"image/gif", gronka.KindGIF},
		{"  gif  ", gronka.KindGIF},
		{"audio/mpeg", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			assert.Equal(t, tt.expected, gronka.ParseMediaKind(tt.hint))
		})
	}
}

func TestLocation(t *testing.T) {
	t.Run("local location", func(t *testing.T) {
		loc := gronka.LocalLocation("/data/media/objects/gif/ab/abc.gif")
		assert.True(t, loc.IsLocal())
		assert.False(t, loc.IsRemote())
		assert.Equal(t, "/data/media/objects/gif/ab/abc.gif", loc.String())
	})

	t.Run("remote location", func(t *testing.T) {
		loc := gronka.RemoteLocation("https://cdn.example.com/abc.gif")
		assert.True(t, loc.IsRemote())
		assert.False(t, loc.IsLocal())
		assert.Equal(t, "https://cdn.example.com/abc.gif", loc.String())
	})
}

func TestOperationStatusTerminal(t *testing.T) {
	assert.False(t, gronka.OperationStatusPending.Terminal())
	assert.False(t, gronka.OperationStatusRunning.Terminal())
	assert.True(t, gronka.OperationStatusSuccess.Terminal())
	assert.True(t, gronka.OperationStatusError.Terminal())
}

func TestTransformSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        gronka.TransformSpec
		expectError bool
	}{
		{"zero spec is valid", gronka.TransformSpec{}, false},
		{"optimize level in range", gronka.TransformSpec{OptimizeLevel: 35}, false},
		{"optimize level too high", gronka.TransformSpec{OptimizeLevel: 101}, true},
		{"negative optimize level", gronka.TransformSpec{OptimizeLevel: -1}, true},
		{"valid trim window", gronka.TransformSpec{TrimStart: 1, TrimEnd: 5}, false},
		{"negative trim", gronka.TransformSpec{TrimStart: -1}, true},
		{"inverted trim window", gronka.TransformSpec{TrimStart: 5, TrimEnd: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectError {
				assert.Error(t, err)
				var validation *gronka.ValidationError
				assert.ErrorAs(t, err, &validation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTransformSpecDiscriminator(t *testing.T) {
	t.Run("zero spec has no discriminator", func(t *testing.T) {
		assert.Empty(t, gronka.TransformSpec{}.Discriminator())
	})

	t.Run("discriminator is stable and canonical", func(t *testing.T) {
		spec := gronka.TransformSpec{OptimizeLevel: 35, TrimStart: 0, TrimEnd: 5, TargetKind: gronka.KindGIF}
		assert.Equal(t, "opt=35;trim=0.000-5.000;kind=gif", spec.Discriminator())
		assert.Equal(t, spec.Discriminator(), spec.Discriminator())
	})

	t.Run("distinct parameter sets get distinct discriminators", func(t *testing.T) {
		a := gronka.TransformSpec{OptimizeLevel: 35}
		b := gronka.TransformSpec{OptimizeLevel: 50}
		assert.NotEqual(t, a.Discriminator(), b.Discriminator())
	})
}
