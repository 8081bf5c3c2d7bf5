// Package h264 encodes I420 pictures as H.264 Constrained Baseline access
// units made only of I_PCM macroblocks. Samples travel uncompressed, so a
// decoder reproduces them bit for bit.
package h264

import (
	"errors"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	profileConstrainedBaseline = 66
	// constraint_set0..2 set, matching profile-level-id 42e0xx.
	constraintFlags = 0xe0

	mbTypeIPCM = 25
	sliceTypeI = 7

	nalRefIdcHighest = 3 << 5
)

var (
	// ErrInvalidSize is returned for zero, negative or odd picture sizes.
	ErrInvalidSize = errors.New("h264: invalid picture size")

	// ErrInvalidFrameRate is returned for a frame rate below one.
	ErrInvalidFrameRate = errors.New("h264: invalid frame rate")

	// ErrPlaneSize is returned when a plane does not match the picture size.
	ErrPlaneSize = errors.New("h264: plane size mismatch")
)

// pcmMacroblockBits bounds one coded I_PCM macroblock: mb_type, alignment
// and 384 samples.
const pcmMacroblockBits = 9 + 7 + 384*8

// levels lists level_idc with its MaxMBPS, MaxFS in macroblocks and MaxBR in
// 1000 bit/s (Table A-1, Baseline VCL factor).
var levels = []struct {
	idc     byte
	maxMBPS int
	maxFS   int
	maxBR   int
}{
	{10, 1485, 99, 64},
	{11, 3000, 396, 192},
	{12, 6000, 396, 384},
	{13, 11880, 396, 768},
	{20, 11880, 396, 2000},
	{21, 19800, 792, 4000},
	{22, 20250, 1620, 4000},
	{30, 40500, 1620, 10000},
	{31, 108000, 3600, 14000},
	{32, 216000, 5120, 20000},
	{40, 245760, 8192, 20000},
	{41, 245760, 8192, 50000},
	{42, 522240, 8704, 50000},
	{50, 589824, 22080, 135000},
	{51, 983040, 36864, 240000},
	{52, 2073600, 36864, 240000},
}

// selectLevel returns the lowest level whose frame size, macroblock rate and
// bit rate limits hold the stream, or the highest level when none does.
func selectLevel(frameSize, frameRate int) byte {
	mbps := frameSize * frameRate
	bitrate := mbps * pcmMacroblockBits
	for _, l := range levels {
		if frameSize <= l.maxFS && mbps <= l.maxMBPS && bitrate <= l.maxBR*1000 {
			return l.idc
		}
	}
	return levels[len(levels)-1].idc
}

// Encoder produces one IDR access unit per picture. It is not safe for
// concurrent use.
type Encoder struct {
	width, height int
	mbWidth       int
	mbHeight      int
	level         byte

	sps []byte
	pps []byte

	idrPicID uint32
	mb       [384]byte
}

// NewEncoder builds an encoder for width x height pictures delivered
// frameRate times per second. The frame rate only sets the signalled level.
func NewEncoder(width, height, frameRate int) (*Encoder, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFrameRate, frameRate)
	}

	e := &Encoder{
		width:    width,
		height:   height,
		mbWidth:  (width + 15) / 16,
		mbHeight: (height + 15) / 16,
	}

	e.level = selectLevel(e.mbWidth*e.mbHeight, frameRate)

	e.sps = e.buildSPS()
	e.pps = e.buildPPS()
	return e, nil
}

// ProfileLevelID returns the SDP profile-level-id of the stream.
func (e *Encoder) ProfileLevelID() string {
	return fmt.Sprintf("%02x%02x%02x", profileConstrainedBaseline, constraintFlags, e.level)
}

// SPS returns the sequence parameter set NAL unit.
func (e *Encoder) SPS() []byte {
	return e.sps
}

// PPS returns the picture parameter set NAL unit.
func (e *Encoder) PPS() []byte {
	return e.pps
}

func (e *Encoder) buildSPS() []byte {
	w := newBitWriter(32)
	w.writeBits(profileConstrainedBaseline, 8)
	w.writeBits(constraintFlags, 8)
	w.writeBits(uint64(e.level), 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type
	w.writeUE(1) // max_num_ref_frames
	w.writeBit(false)
	w.writeUE(uint32(e.mbWidth - 1))
	w.writeUE(uint32(e.mbHeight - 1))
	w.writeBit(true) // frame_mbs_only_flag
	w.writeBit(true) // direct_8x8_inference_flag

	cropRight := (e.mbWidth*16 - e.width) / 2
	cropBottom := (e.mbHeight*16 - e.height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(true)
		w.writeUE(0)
		w.writeUE(uint32(cropRight))
		w.writeUE(0)
		w.writeUE(uint32(cropBottom))
	} else {
		w.writeBit(false)
	}

	w.writeBit(false) // vui_parameters_present_flag
	w.writeTrailing()
	return nalu(mch264.NALUTypeSPS, w.bytes())
}

func (e *Encoder) buildPPS() []byte {
	w := newBitWriter(8)
	w.writeUE(0)      // pic_parameter_set_id
	w.writeUE(0)      // seq_parameter_set_id
	w.writeBit(false) // entropy_coding_mode_flag
	w.writeBit(false) // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)      // num_slice_groups_minus1
	w.writeUE(0)      // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)      // num_ref_idx_l1_default_active_minus1
	w.writeBit(false) // weighted_pred_flag
	w.writeBits(0, 2) // weighted_bipred_idc
	w.writeSE(0)      // pic_init_qp_minus26
	w.writeSE(0)      // pic_init_qs_minus26
	w.writeSE(0)      // chroma_qp_index_offset
	w.writeBit(false) // deblocking_filter_control_present_flag
	w.writeBit(false) // constrained_intra_pred_flag
	w.writeBit(false) // redundant_pic_cnt_present_flag
	w.writeTrailing()
	return nalu(mch264.NALUTypePPS, w.bytes())
}

// Encode returns the access unit (SPS, PPS, IDR slice) for one picture.
func (e *Encoder) Encode(y, u, v []byte) ([][]byte, error) {
	cw, ch := e.width/2, e.height/2
	if len(y) != e.width*e.height || len(u) != cw*ch || len(v) != cw*ch {
		return nil, fmt.Errorf("%w: got %d/%d/%d bytes for %dx%d", ErrPlaneSize, len(y), len(u), len(v), e.width, e.height)
	}

	w := newBitWriter(e.mbWidth*e.mbHeight*(len(e.mb)+2) + 16)

	// slice_header
	w.writeUE(0) // first_mb_in_slice
	w.writeUE(sliceTypeI)
	w.writeUE(0)      // pic_parameter_set_id
	w.writeBits(0, 4) // frame_num
	w.writeUE(e.idrPicID)
	w.writeBit(false) // no_output_of_prior_pics_flag
	w.writeBit(false) // long_term_reference_flag
	w.writeSE(0)      // slice_qp_delta

	for mby := 0; mby < e.mbHeight; mby++ {
		for mbx := 0; mbx < e.mbWidth; mbx++ {
			e.fillMacroblock(mbx, mby, y, u, v)
			w.writeUE(mbTypeIPCM)
			w.alignZero()
			w.writeAligned(e.mb[:])
		}
	}
	w.writeTrailing()

	// Consecutive IDR pictures must differ in idr_pic_id.
	e.idrPicID ^= 1

	return [][]byte{e.sps, e.pps, nalu(mch264.NALUTypeIDR, w.bytes())}, nil
}

// EncodeAnnexB is Encode followed by Annex-B framing, the layout expected by
// RTP H.264 payloaders.
func (e *Encoder) EncodeAnnexB(y, u, v []byte) ([]byte, error) {
	au, err := e.Encode(y, u, v)
	if err != nil {
		return nil, err
	}
	return mch264.AnnexB(au).Marshal()
}

// fillMacroblock copies the samples of one macroblock into e.mb: 256 luma,
// then 64 Cb and 64 Cr, each in raster order. Samples outside the picture
// repeat the nearest edge sample.
func (e *Encoder) fillMacroblock(mbx, mby int, y, u, v []byte) {
	k := 0
	for j := 0; j < 16; j++ {
		row := min(mby*16+j, e.height-1) * e.width
		for i := 0; i < 16; i++ {
			e.mb[k] = y[row+min(mbx*16+i, e.width-1)]
			k++
		}
	}

	cw, ch := e.width/2, e.height/2
	for _, plane := range [][]byte{u, v} {
		for j := 0; j < 8; j++ {
			row := min(mby*8+j, ch-1) * cw
			for i := 0; i < 8; i++ {
				e.mb[k] = plane[row+min(mbx*8+i, cw-1)]
				k++
			}
		}
	}
}

func nalu(t mch264.NALUType, rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/32+2)
	out = append(out, nalRefIdcHighest|byte(t))
	return append(out, emulationPrevent(rbsp)...)
}
