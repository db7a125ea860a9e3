package writer

import "bytes"

const tsPacketSize = 188

// Extension sniffs a segment payload's container format and returns the
// file extension to store it under. Unknown payloads fall back to "ts".
func Extension(data []byte) string {
	switch {
	case len(data) > tsPacketSize && data[0] == 0x47 && data[tsPacketSize] == 0x47:
		return "ts"
	case len(data) >= 12 && (bytes.Equal(data[4:8], []byte("ftyp")) ||
		bytes.Equal(data[4:8], []byte("styp")) ||
		bytes.Equal(data[4:8], []byte("moof"))):
		return "mp4"
	case bytes.HasPrefix(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), []byte("WEBVTT")):
		return "vtt"
	case bytes.HasPrefix(data, []byte("ID3")):
		// HLS audio segments carry an ID3 timestamp header before ADTS data.
		return "aac"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0:
		return "aac"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return "ts"
	}
}
