package products_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/ticketgate/internal/products"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RUNNER_VIDEO_ENDPOINT", "vid-123")

	cat, err := products.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"anime", "image", "video", "voice"}, cat.Names())

	video, ok := cat.Get("video")
	require.True(t, ok)
	assert.Equal(t, int64(3), video.Cost)
	assert.True(t, video.Cancelable)
	assert.False(t, video.Sync())
	assert.Equal(t, "vid-123", video.Endpoint)

	image, ok := cat.Get("IMAGE")
	require.True(t, ok)
	assert.True(t, image.Sync())
	assert.False(t, image.Cancelable)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("IMG_EP", "img-from-env")
	path := writeFile(t, `products:
  - name: image
    cost: 2
    endpoint: ${IMG_EP}
  - name: upscale
    kind: image
    cost: 4
    mode: sync
    endpoint: up-1
`)

	cat, err := products.Load(path)
	require.NoError(t, err)

	image, _ := cat.Get("image")
	assert.Equal(t, int64(2), image.Cost)
	assert.Equal(t, "img-from-env", image.Endpoint)
	assert.Equal(t, products.ModeSync, image.Mode, "omitted fields keep their default")
	assert.Equal(t, 1000, image.Limits.MaxPromptLength)

	upscale, ok := cat.Get("upscale")
	require.True(t, ok)
	assert.Equal(t, int64(4), upscale.Cost)
	assert.Equal(t, products.RunnerRunPod, upscale.Runner)
}

func TestLoad_RejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero cost", "products:\n  - name: image\n    cost: 0\n", "cost must be positive"},
		{"bad mode", "products:\n  - name: voice\n    mode: batch\n", "mode must be sync or async"},
		{"unknown kind", "products:\n  - name: music\n    kind: audio\n    cost: 1\n", "unknown kind"},
		{"missing name", "products:\n  - cost: 1\n", "has no name"},
		{"not yaml", "products: [", "parsing products file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := products.Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := products.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_Image(t *testing.T) {
	cat, err := products.Load("")
	require.NoError(t, err)
	image, _ := cat.Get("image")

	assert.NoError(t, image.Validate(map[string]any{"prompt": "a red fox", "width": float64(512), "num_images": float64(2)}))

	for name, input := range map[string]map[string]any{
		"missing prompt":   {},
		"blank prompt":     {"prompt": "   "},
		"width too small":  {"prompt": "x", "width": float64(16)},
		"fractional width": {"prompt": "x", "width": 512.5},
		"too many images":  {"prompt": "x", "num_images": float64(9)},
		"string height":    {"prompt": "x", "height": "512"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, image.Validate(input), products.ErrInvalidInput)
		})
	}
}

func TestValidate_Video(t *testing.T) {
	cat, err := products.Load("")
	require.NoError(t, err)
	video, _ := cat.Get("video")

	ok := map[string]any{"image_url": "https://cdn.example.com/face.png", "audio_url": "https://cdn.example.com/a.wav"}
	assert.NoError(t, video.Validate(ok))

	assert.ErrorIs(t, video.Validate(map[string]any{"image_url": "https://cdn.example.com/face.png"}), products.ErrInvalidInput)
	assert.ErrorIs(t, video.Validate(map[string]any{"image_url": "file:///etc/passwd", "audio_url": "https://x/a.wav"}), products.ErrInvalidInput)
}

func TestValidate_Voice(t *testing.T) {
	cat, err := products.Load("")
	require.NoError(t, err)
	voice, _ := cat.Get("voice")

	assert.NoError(t, voice.Validate(map[string]any{"text": "hello", "voice": "alloy"}))
	assert.ErrorIs(t, voice.Validate(map[string]any{"text": ""}), products.ErrInvalidInput)
	assert.ErrorIs(t, voice.Validate(map[string]any{"text": "hi", "voice": ""}), products.ErrInvalidInput)

	long := make([]rune, 2001)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, voice.Validate(map[string]any{"text": string(long)}), products.ErrInvalidInput)
}
