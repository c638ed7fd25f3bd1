package reports

import (
	"encoding/binary"
	"fmt"
)

// TagReport is one decoded location payload from an accessory report.
type TagReport struct {
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	Confidence uint8   `json:"conf"`
	Status     uint8   `json:"status"`
}

// tagPayloadLen is the fixed prefix the decoder consumes: two big-endian
// int32 coordinates scaled by 1e7, a confidence byte and a status byte.
const tagPayloadLen = 10

// DecodeTag decodes the coordinate prefix of a decrypted accessory report.
// The proxy currently passes report payloads through untouched, so nothing
// in the HTTP path calls this; it is kept for consumers that post-process
// reports themselves.
func DecodeTag(data []byte) (TagReport, error) {
	if len(data) < tagPayloadLen {
		return TagReport{}, fmt.Errorf("tag payload too short: %d bytes, need %d", len(data), tagPayloadLen)
	}
	lat := int32(binary.BigEndian.Uint32(data[0:4]))
	lon := int32(binary.BigEndian.Uint32(data[4:8]))
	return TagReport{
		Latitude:   float64(lat) / 1e7,
		Longitude:  float64(lon) / 1e7,
		Confidence: data[8],
		Status:     data[9],
	}, nil
}
