package remux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/models"
	"hlsgrab/internal/writer"
)

func TestConcat(t *testing.T) {
	dir := t.TempDir()
	stream := models.Stream{Role: models.RoleMain}

	var files []writer.File
	for i, content := range []string{"first", "second", "third"} {
		path := filepath.Join(dir, string(rune('a'+i))+".ts")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		files = append(files, writer.File{Stream: stream, Sequence: uint64(i), Path: path})
	}

	out, err := concat(stream, files, 0)
	require.NoError(t, err)
	defer os.Remove(out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("firstsecondthird"), data)
	assert.Equal(t, ".ts", filepath.Ext(out))
}

func TestConcat_MissingSegmentFile(t *testing.T) {
	stream := models.Stream{Role: models.RoleMain}
	files := []writer.File{{Stream: stream, Path: filepath.Join(t.TempDir(), "absent.ts")}}

	_, err := concat(stream, files, 0)
	require.Error(t, err)
}

func TestOrderStreams_InitLeadsEachGroup(t *testing.T) {
	video := models.Stream{Role: models.RoleMain}
	audio := models.Stream{Role: models.RoleAudio, Name: "English"}

	files := []writer.File{
		{Stream: audio, Sequence: 1, Path: "a1.m4s"},
		{Stream: video, Sequence: 1, Path: "v1.m4s"},
		{Stream: video, Sequence: 0, Path: "v0.m4s"},
		{Stream: audio, Sequence: 0, Path: "a0.m4s"},
	}
	inits := map[models.Stream]writer.File{
		video: {Stream: video, Init: true, Path: "v_init.mp4"},
	}

	ordered := orderStreams(files, inits)
	require.Len(t, ordered, 2)

	// Video precedes audio, and its init segment heads the concat order.
	assert.Equal(t, video, ordered[0].stream)
	var paths []string
	for _, f := range ordered[0].segs {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"v_init.mp4", "v0.m4s", "v1.m4s"}, paths)

	assert.Equal(t, audio, ordered[1].stream)
	paths = nil
	for _, f := range ordered[1].segs {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"a0.m4s", "a1.m4s"}, paths)
}

func TestISO3(t *testing.T) {
	assert.Equal(t, "eng", iso3("en"))
	assert.Equal(t, "deu", iso3("de"))
	assert.Equal(t, "eng", iso3("en-US"))
	assert.Equal(t, "", iso3(""))
	assert.Equal(t, "", iso3("not a language tag!"))
}
