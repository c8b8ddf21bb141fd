package bot

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestFetch_SmallImagePassesThrough(t *testing.T) {
	original := pngBytes(t, 64, 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(original)
	}))
	defer server.Close()

	fetcher := NewAttachmentFetcher()
	fetcher.SetAllowLocalIPs(true)

	data, mime, err := fetcher.Fetch(server.URL + "/pic.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, original, data)
}

func TestFetch_OversizedImageDownscaled(t *testing.T) {
	wide := pngBytes(t, 2048, 512)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(wide)
	}))
	defer server.Close()

	fetcher := NewAttachmentFetcher()
	fetcher.SetAllowLocalIPs(true)

	data, mime, err := fetcher.Fetch(server.URL + "/wide.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), maxImageDimension)
	assert.LessOrEqual(t, img.Bounds().Dy(), maxImageDimension)
}

func TestFetch_RejectsBadInput(t *testing.T) {
	fetcher := NewAttachmentFetcher()
	fetcher.SetAllowLocalIPs(true)

	_, _, err := fetcher.Fetch("ftp://example.com/pic.png")
	assert.ErrorContains(t, err, "unsupported scheme")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, _, err = fetcher.Fetch(server.URL + "/missing.png")
	assert.ErrorContains(t, err, "status 404")
}

func TestFetch_BlocksLocalAddressesByDefault(t *testing.T) {
	// The guard should refuse to dial before the handler is ever reached.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	fetcher := NewAttachmentFetcher()

	_, _, err := fetcher.Fetch(server.URL + "/pic.png")
	assert.Error(t, err)
}

func TestDownscale_UndecodableDataPassesThrough(t *testing.T) {
	raw := []byte("not an image")
	data, mime, err := downscale(raw, "image/webp")
	require.NoError(t, err)
	assert.Equal(t, raw, data)
	assert.Equal(t, "image/webp", mime)
}
