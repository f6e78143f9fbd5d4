package meta

// BlendMode selects how a frame is combined with earlier frames. When the
// decoder coalesces frames this can be ignored.
type BlendMode uint8

// Blend modes.
const (
	BlendReplace BlendMode = 0
	BlendAdd     BlendMode = 1
	BlendBlend   BlendMode = 2
	BlendMulAdd  BlendMode = 3
	BlendMul     BlendMode = 4
)

// BlendInfo describes how a frame or extra channel is blended.
type BlendInfo struct {
	Mode   BlendMode
	Source uint32
	Alpha  uint32
	Clamp  bool
}

// LayerInfo gives the placement of a frame on the canvas.
type LayerInfo struct {
	HaveCrop        bool
	CropX0          int32
	CropY0          int32
	XSize           uint32
	YSize           uint32
	Blend           BlendInfo
	SaveAsReference uint32
}

// FrameHeader is the per-frame metadata valid between a Frame event and the
// next Frame or Done event.
type FrameHeader struct {
	Duration   uint32
	Timecode   uint32
	NameLength uint32
	IsLast     bool
	Layer      LayerInfo
}
