// Package tsprobe sniffs codec information from the head of an MPEG-TS
// stream by parsing its program tables.
package tsprobe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
)

// ErrNoPMT indicates no program map table was found within the probe window.
var ErrNoPMT = errors.New("no PMT found in probed data")

// maxProbePackets bounds how many TS packets are inspected before giving up.
const maxProbePackets = 2048

// Result holds the codecs discovered in a transport stream.
type Result struct {
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
	VideoPID   uint16 `json:"video_pid"`
	AudioPID   uint16 `json:"audio_pid"`
}

// Probe reads transport stream packets from r until a PMT is seen and
// returns the codecs it declares. The reader is consumed; callers that need
// the probed bytes afterwards should tee them.
func Probe(ctx context.Context, r io.Reader) (*Result, error) {
	limited := io.LimitReader(r, maxProbePackets*astits.MpegTsPacketSize)
	dmx := astits.NewDemuxer(ctx, limited)

	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrNoPMT
			}
			return nil, fmt.Errorf("demuxing transport stream: %w", err)
		}
		if data.PMT == nil {
			continue
		}

		result := &Result{}
		for _, es := range data.PMT.ElementaryStreams {
			switch {
			case es.StreamType.IsVideo() && result.VideoCodec == "":
				result.VideoCodec = codecName(es.StreamType)
				result.VideoPID = es.ElementaryPID
			case es.StreamType.IsAudio() && result.AudioCodec == "":
				result.AudioCodec = codecName(es.StreamType)
				result.AudioPID = es.ElementaryPID
			}
		}
		return result, nil
	}
}

// codecName maps a PMT stream type to a short codec label.
func codecName(t astits.StreamType) string {
	switch t {
	case astits.StreamTypeH264Video:
		return "h264"
	case astits.StreamTypeH265Video:
		return "h265"
	case astits.StreamTypeMPEG2Video:
		return "mpeg2video"
	case astits.StreamTypeMPEG1Video:
		return "mpeg1video"
	case astits.StreamTypeAACAudio:
		return "aac"
	case astits.StreamTypeMPEG1Audio:
		return "mp3"
	case astits.StreamTypeAC3Audio:
		return "ac3"
	case astits.StreamTypeEAC3Audio:
		return "eac3"
	default:
		return fmt.Sprintf("type-0x%02x", uint8(t))
	}
}
