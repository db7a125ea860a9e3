package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsgrab/internal/logger"
	"hlsgrab/internal/manifest"
	"hlsgrab/internal/models"
)

var mainStream = models.Stream{Role: models.RoleMain}

func livePlaylist(segs ...models.Segment) *manifest.MediaPlaylist {
	return &manifest.MediaPlaylist{TargetDuration: 4, Segments: segs}
}

func seg(group, sequence uint64) models.Segment {
	return models.Segment{Sequence: sequence, DisconGroup: group, Duration: 4}
}

func seqs(segs []models.Segment) []uint64 {
	out := make([]uint64, len(segs))
	for i, s := range segs {
		out[i] = s.Sequence
	}
	return out
}

func TestLedger_DiffDedup(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	fresh, err := l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1), seg(0, 2)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, seqs(fresh))
	assert.Equal(t, 3, l.PendingCount())

	// Sliding window overlap: only the genuinely new segments come back.
	fresh, err = l.Diff(mainStream, livePlaylist(seg(0, 1), seg(0, 2), seg(0, 3)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, seqs(fresh))

	require.NoError(t, l.Confirm(mainStream, 0, 0))
	assert.True(t, l.Confirmed(mainStream, 0, 0))
	assert.False(t, l.Confirmed(mainStream, 0, 3))

	// Confirmed segments are never offered again.
	fresh, err = l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1)))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestLedger_StreamsAreIndependent(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	audio := models.Stream{Role: models.RoleAudio, Name: "English"}

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1)))
	require.NoError(t, err)

	fresh, err := l.Diff(audio, livePlaylist(seg(0, 0), seg(0, 1)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, seqs(fresh), "per-stream sequence spaces do not collide")
}

func TestLedger_AbandonAndRetry(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1)))
	require.NoError(t, err)

	l.Abandon(mainStream, 0, 1, "download failed")
	assert.Equal(t, 1, l.PendingCount())
	assert.Equal(t, map[string][]uint64{"main": {1}}, l.Missing())

	// A later poll that still lists the sequence offers it again with a
	// fresh attempt budget, clearing the missing mark.
	fresh, err := l.Diff(mainStream, livePlaylist(seg(0, 1), seg(0, 2)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs(fresh))
	assert.Empty(t, l.Missing())
}

func TestLedger_SequenceReset(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 100), seg(0, 101), seg(0, 102)))
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 5), seg(0, 6)))
	require.Error(t, err)

	var re *SequenceResetError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "main", re.Stream)
	assert.Equal(t, uint64(102), re.LastMax)
	assert.Equal(t, uint64(6), re.Observed)
}

func TestLedger_DiscontinuityAdvanceIsNotAReset(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 100), seg(0, 101)))
	require.NoError(t, err)

	// Some origins restart media sequence numbering at a discontinuity. The
	// higher discontinuity group keeps the tuple monotonic.
	fresh, err := l.Diff(mainStream, livePlaylist(seg(1, 0), seg(1, 1)))
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestLedger_DedupAcrossDisconGroups(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	fresh, err := l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1)))
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	require.NoError(t, l.Confirm(mainStream, 0, 0))
	require.NoError(t, l.Confirm(mainStream, 0, 1))

	// Restarted numbering under a new discontinuity group reuses the raw
	// sequence values. Those entries are distinct segments and every one of
	// them must be offered.
	fresh, err = l.Diff(mainStream, livePlaylist(seg(1, 0), seg(1, 1), seg(1, 2)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, seqs(fresh))

	assert.True(t, l.Confirmed(mainStream, 0, 0))
	assert.False(t, l.Confirmed(mainStream, 1, 0))
}

func TestLedger_VODSequenceNotChecked(t *testing.T) {
	l, err := New(logger.Nop(), "")
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 100)))
	require.NoError(t, err)

	ended := &manifest.MediaPlaylist{TargetDuration: 4, EndList: true, Segments: []models.Segment{seg(0, 5)}}
	_, err = l.Diff(mainStream, ended)
	assert.NoError(t, err, "reset detection only applies while the stream is live")
}

func TestLedger_Persistence(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "ledger.json")

	l, err := New(logger.Nop(), statePath)
	require.NoError(t, err)

	_, err = l.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1), seg(0, 2)))
	require.NoError(t, err)
	require.NoError(t, l.Confirm(mainStream, 0, 0))
	require.NoError(t, l.Confirm(mainStream, 0, 1))

	// A fresh ledger restored from the same path only re-offers what was
	// never confirmed. Sequence 2 was pending, not written, so it comes back.
	restored, err := New(logger.Nop(), statePath)
	require.NoError(t, err)
	assert.True(t, restored.Confirmed(mainStream, 0, 0))
	assert.True(t, restored.Confirmed(mainStream, 0, 1))

	fresh, err := restored.Diff(mainStream, livePlaylist(seg(0, 0), seg(0, 1), seg(0, 2)))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, seqs(fresh))
}
