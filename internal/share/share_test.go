package share

import (
	"testing"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoID = "a1b2c3d4e5f67890abcdef1234567890"

func TestDerive(t *testing.T) {
	t.Run("direct link and embed", func(t *testing.T) {
		links, err := Derive("https://gw.example.com", demoID)
		require.NoError(t, err)
		assert.Equal(t, "https://gw.example.com/cdn/"+demoID, links.Direct)
		assert.Equal(t, "https://gw.example.com/share/"+demoID, links.Share)
		assert.Equal(t, `<img src="https://gw.example.com/cdn/`+demoID+`" alt="ONVM Content">`, links.Embed)
		assert.Contains(t, links.Embed, links.Direct)
		assert.Equal(t, demoID, links.ID)
	})

	t.Run("trailing slash and path prefix", func(t *testing.T) {
		links, err := Derive("http://localhost:8088/gw/", demoID)
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8088/gw/cdn/"+demoID, links.Direct)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := Derive("https://gw.example.com", demoID)
		require.NoError(t, err)
		b, err := Derive("https://gw.example.com", demoID)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("id is not rewritten", func(t *testing.T) {
		links, err := Derive("https://gw.example.com", "ABCDEF")
		require.NoError(t, err)
		assert.Equal(t, "https://gw.example.com/cdn/ABCDEF", links.Direct)
	})

	t.Run("rejects bad ids", func(t *testing.T) {
		_, err := Derive("https://gw.example.com", "")
		assert.ErrorIs(t, err, blob.ErrEmptyID)
		_, err = Derive("https://gw.example.com", "not-hex")
		assert.ErrorIs(t, err, blob.ErrInvalidID)
	})

	t.Run("rejects bad origins", func(t *testing.T) {
		for _, origin := range []string{"", "gw.example.com", "ftp://gw", "https://gw.example.com?x=1", "https://gw.example.com#frag"} {
			_, err := Derive(origin, demoID)
			assert.ErrorIs(t, err, ErrInvalidOrigin, origin)
		}
	})
}

func TestDeriveFor(t *testing.T) {
	origin := "https://gw.example.com"
	direct := origin + "/cdn/" + demoID

	video, err := DeriveFor(origin, demoID, "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, `<video src="`+direct+`" controls></video>`, video.Embed)

	audio, err := DeriveFor(origin, demoID, "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, `<audio src="`+direct+`" controls></audio>`, audio.Embed)

	other, err := DeriveFor(origin, demoID, "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, other.Embed, `<img src="`+direct+`"`)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindImage, KindOf("image/png"))
	assert.Equal(t, KindVideo, KindOf("Video/MP4"))
	assert.Equal(t, KindAudio, KindOf("audio/ogg"))
	assert.Equal(t, KindText, KindOf("text/plain; charset=utf-8"))
	assert.Equal(t, KindText, KindOf("application/json"))
	assert.Equal(t, KindNone, KindOf("application/zip"))
	assert.Equal(t, KindNone, KindOf(""))
}
