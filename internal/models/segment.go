package models

import "fmt"

// ByteRange is a resolved sub-range of a segment resource. Offsets left
// implicit in the playlist are resolved by the manifest parser, so a
// ByteRange always carries an absolute offset.
type ByteRange struct {
	Offset uint64
	Length uint64
}

// Header returns the value for an HTTP Range request header.
func (b ByteRange) Header() string {
	end := b.Offset
	if b.Length > 0 {
		end = b.Offset + b.Length - 1
	}
	return fmt.Sprintf("bytes=%d-%d", b.Offset, end)
}

// Key is a resolved AES-128 key reference. A nil IV means the IV is derived
// from the segment's absolute sequence number at decryption time.
type Key struct {
	// URI is the absolute URL the 16-byte key is fetched from.
	URI string
	// IV is the explicit 16-byte initialization vector, or nil.
	IV []byte
}

// InitSegment references a stream's initialization segment (#EXT-X-MAP).
type InitSegment struct {
	URI       string
	ByteRange *ByteRange
}

// Segment is a fully-resolved media segment entry. The manifest parser folds
// key and discontinuity directives into each entry, so consumers never need
// to re-walk directive scope rules.
type Segment struct {
	// Sequence is the absolute media sequence number, unique and strictly
	// increasing within one media playlist.
	Sequence uint64
	// DisconGroup counts discontinuity boundaries seen before this segment.
	DisconGroup uint64
	// URI is the fully-qualified segment URL.
	URI string
	// Duration is the segment duration in seconds.
	Duration float64
	// ByteRange restricts the fetch to a sub-range of the resource, if set.
	ByteRange *ByteRange
	// Key is the effective encryption key reference, nil for plaintext.
	Key *Key
	// Init is the effective initialization segment reference, if any.
	Init *InitSegment
}

// ID returns the segment's stable string identifier, encoding both the
// discontinuity group and the sequence number so that lexicographic order
// equals playback order.
func (s *Segment) ID() string {
	return fmt.Sprintf("d%010d_s%010d", s.DisconGroup, s.Sequence)
}
